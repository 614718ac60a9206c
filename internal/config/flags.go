package config

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/afikmenashe/alerting-engine/pkg/shared"
)

// setting binds one command-line flag and its environment variable to a Config field.
type setting struct {
	flag   string
	env    string
	usage  string
	isBool bool
	get    func(*Config) string
	set    func(*Config, string) error
}

// rawValue holds a flag's text until the configuration layers are merged.
type rawValue struct {
	value  string
	isBool bool
}

func (v *rawValue) String() string     { return v.value }
func (v *rawValue) Set(s string) error { v.value = s; return nil }
func (v *rawValue) IsBoolFlag() bool   { return v.isBool }

func stringSetting(name, env, usage string, field func(*Config) *string) setting {
	return setting{
		flag: name, env: env, usage: usage,
		get: func(c *Config) string { return *field(c) },
		set: func(c *Config, v string) error { *field(c) = v; return nil },
	}
}

func durationSetting(name, env, usage string, field func(*Config) *time.Duration) setting {
	return setting{
		flag: name, env: env, usage: usage,
		get: func(c *Config) string { return field(c).String() },
		set: func(c *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*field(c) = d
			return nil
		},
	}
}

func boolSetting(name, env, usage string, fields ...func(*Config) *bool) setting {
	return setting{
		flag: name, env: env, usage: usage, isBool: true,
		get: func(c *Config) string { return strconv.FormatBool(*fields[0](c)) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			for _, f := range fields {
				*f(c) = b
			}
			return nil
		},
	}
}

var settings = []setting{
	stringSetting("redis-addr", "REDIS_ADDR", "Redis server address",
		func(c *Config) *string { return &c.RedisAddr }),
	{
		flag: "redis-db", env: "REDIS_DB", usage: "Redis database number",
		get: func(c *Config) string { return strconv.Itoa(c.RedisDB) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("redis-db: %w", err)
			}
			c.RedisDB = n
			return nil
		},
	},
	stringSetting("postgres-dsn", "POSTGRES_DSN", "PostgreSQL connection string for the directory",
		func(c *Config) *string { return &c.PostgresDSN }),
	stringSetting("kafka-brokers", "KAFKA_BROKERS", "Kafka broker addresses (comma-separated)",
		func(c *Config) *string { return &c.KafkaBrokers }),
	stringSetting("kafka-events-topic", "KAFKA_EVENTS_TOPIC", "Kafka topic carrying monitoring events",
		func(c *Config) *string { return &c.KafkaEventsTopic }),
	stringSetting("kafka-group-id", "KAFKA_GROUP_ID", "Kafka consumer group ID",
		func(c *Config) *string { return &c.KafkaGroupID }),
	durationSetting("queue-wait-timeout", "QUEUE_WAIT_TIMEOUT", "Idle wait between queue passes",
		func(c *Config) *time.Duration { return &c.QueueWaitTimeout }),
	durationSetting("lock-ttl", "LOCK_TTL", "Expiry of held lock keys",
		func(c *Config) *time.Duration { return &c.LockTTL }),
	durationSetting("lock-wait", "LOCK_WAIT", "Maximum time to wait for a lock scope",
		func(c *Config) *time.Duration { return &c.LockWait }),
	durationSetting("sync-interval", "SYNC_INTERVAL", "Time between directory synchronisations",
		func(c *Config) *time.Duration { return &c.SyncInterval }),
	stringSetting("metrics-addr", "METRICS_ADDR", "Prometheus listen address (empty disables)",
		func(c *Config) *string { return &c.MetricsAddr }),
	stringSetting("log-level", "LOG_LEVEL", "Log level (debug, info, warn, error)",
		func(c *Config) *string { return &c.LogLevel }),
	stringSetting("processor-queue", "PROCESSOR_QUEUE", "Queue the processor consumes events from",
		func(c *Config) *string { return &c.Processor.Queue }),
	{
		flag: "notifier-queue", env: "NOTIFIER_QUEUE", usage: "Queue carrying notifications from processor to notifier",
		get: func(c *Config) string { return c.Notifier.Queue },
		set: func(c *Config, v string) error {
			c.Processor.NotifierQueue = v
			c.Notifier.Queue = v
			return nil
		},
	},
	durationSetting("initial-failure-delay", "INITIAL_FAILURE_DELAY", "Delay before the first notification of a failure",
		func(c *Config) *time.Duration { return &c.Processor.InitialFailureDelay }),
	durationSetting("repeat-failure-delay", "REPEAT_FAILURE_DELAY", "Minimum time between repeated failure notifications",
		func(c *Config) *time.Duration { return &c.Processor.RepeatFailureDelay }),
	durationSetting("new-check-scheduled-maintenance-duration", "NEW_CHECK_SCHEDULED_MAINTENANCE_DURATION",
		"Scheduled maintenance opened for new checks (0 disables)",
		func(c *Config) *time.Duration { return &c.Processor.NewCheckScheduledMaintenanceDuration }),
	{
		flag: "new-check-scheduled-maintenance-ignore-tags", env: "NEW_CHECK_SCHEDULED_MAINTENANCE_IGNORE_TAGS",
		usage: "Tags exempting new checks from scheduled maintenance (comma-separated)",
		get:   func(c *Config) string { return strings.Join(c.Processor.NewCheckScheduledMaintenanceIgnoreTags, ",") },
		set: func(c *Config, v string) error {
			c.Processor.NewCheckScheduledMaintenanceIgnoreTags = splitList(v)
			return nil
		},
	},
	durationSetting("acknowledgement-duration", "ACKNOWLEDGEMENT_DURATION", "Default length of an acknowledgement",
		func(c *Config) *time.Duration { return &c.Processor.AcknowledgementDuration }),
	boolSetting("archive-events", "ARCHIVE_EVENTS", "Archive processed events",
		func(c *Config) *bool { return &c.Processor.ArchiveEvents }),
	durationSetting("events-archive-maxage", "EVENTS_ARCHIVE_MAXAGE", "Expiry of archived events",
		func(c *Config) *time.Duration { return &c.Processor.EventsArchiveMaxAge }),
	boolSetting("exit-on-queue-empty", "EXIT_ON_QUEUE_EMPTY", "Exit once the consumed queue is empty",
		func(c *Config) *bool { return &c.Processor.ExitOnQueueEmpty },
		func(c *Config) *bool { return &c.Notifier.ExitOnQueueEmpty }),
	{
		flag: "transport-queues", env: "TRANSPORT_QUEUES",
		usage: "Delivery queue per transport (transport=queue, comma-separated)",
		get:   func(c *Config) string { return formatMap(c.Notifier.TransportQueues) },
		set: func(c *Config, v string) error {
			m, err := parseMap(v)
			if err != nil {
				return fmt.Errorf("transport-queues: %w", err)
			}
			c.Notifier.TransportQueues = m
			return nil
		},
	},
	stringSetting("default-contact-timezone", "DEFAULT_CONTACT_TIMEZONE", "Timezone for contacts without one",
		func(c *Config) *string { return &c.Notifier.DefaultContactTimezone }),
}

// Load builds the configuration from, in increasing precedence: built-in defaults,
// the YAML file named by --config, environment variables, and flags set on the
// command line.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	defaults := Default()

	configPath := fs.String("config", shared.GetEnvOrDefault("ALERTING_CONFIG", ""), "YAML configuration file")
	values := make(map[string]*rawValue, len(settings))
	for _, s := range settings {
		v := &rawValue{value: shared.GetEnvOrDefault(s.env, s.get(defaults)), isBool: s.isBool}
		fs.Var(v, s.flag, s.usage)
		values[s.flag] = v
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	cfg := defaults
	if *configPath != "" {
		if err := LoadFile(*configPath, cfg); err != nil {
			return nil, err
		}
	}
	for _, s := range settings {
		if !explicit[s.flag] && os.Getenv(s.env) == "" {
			continue
		}
		if err := s.set(cfg, values[s.flag].value); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseMap(v string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitList(v) {
		key, value, ok := strings.Cut(pair, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("malformed entry %q, want transport=queue", pair)
		}
		out[key] = value
	}
	return out, nil
}

func formatMap(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + m[k]
	}
	return strings.Join(pairs, ",")
}
