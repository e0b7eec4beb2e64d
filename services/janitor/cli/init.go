package cli

const defaultJanitorYAML = `# ReadThat janitor config
# Priority: CLI flag > environment > this file > default.

redis_addr:   "localhost:6379"
log_level:    "info"
metrics_addr: ":9095"

cleanup_cron:       "@hourly"  # cron expression or descriptor (@every 30m)
terminal_retention: "168h"     # completed and cancelled schedules older than this are deleted
inactivity_window:  "720h"     # overdue active schedules untouched this long are expired
stuck_claim_after:  "1h"       # claims whose task never finished are re-armed after this
schedule_ttl:       "720h"

# otel_endpoint: "localhost:4318"  # uncomment to enable OpenTelemetry tracing
`
