package cli

const defaultDispatcherYAML = `# ReadThat dispatcher config
# Priority: CLI flag > environment > this file > default.

kafka_brokers: "localhost:9092"
redis_addr:    "localhost:6379"
log_level:     "info"
metrics_addr:  ":9094"

tick_interval:   "60s"    # how often due windows are scanned
scan_limit:      500      # due schedules claimed per tick at most
leader_election: true     # one replica scans at a time

schedule_ttl:       "720h"  # active schedule records expire after this
terminal_retention: "168h"  # completed and cancelled records are kept this long

# otel_endpoint: "localhost:4318"  # uncomment to enable OpenTelemetry tracing
`
