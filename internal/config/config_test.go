package config

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		errMsg string
	}{
		{name: "defaults are valid", modify: func(c *Config) {}},
		{name: "missing redis-addr", modify: func(c *Config) { c.RedisAddr = "" }, errMsg: "redis-addr cannot be empty"},
		{name: "negative redis-db", modify: func(c *Config) { c.RedisDB = -1 }, errMsg: "redis-db must be >= 0"},
		{name: "zero queue-wait-timeout", modify: func(c *Config) { c.QueueWaitTimeout = 0 }, errMsg: "queue-wait-timeout must be > 0"},
		{name: "zero lock-ttl", modify: func(c *Config) { c.LockTTL = 0 }, errMsg: "lock-ttl must be > 0"},
		{name: "zero lock-wait", modify: func(c *Config) { c.LockWait = 0 }, errMsg: "lock-wait must be > 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(c)
			checkErr(t, c.Validate(), tt.errMsg)
		})
	}
}

func TestConfig_ValidateProcessor(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		errMsg string
	}{
		{name: "defaults are valid", modify: func(c *Config) {}},
		{name: "zero delays are allowed", modify: func(c *Config) {
			c.Processor.InitialFailureDelay = 0
			c.Processor.RepeatFailureDelay = 0
			c.Processor.NewCheckScheduledMaintenanceDuration = 0
		}},
		{name: "missing queue", modify: func(c *Config) { c.Processor.Queue = "" }, errMsg: "processor-queue cannot be empty"},
		{name: "missing notifier queue", modify: func(c *Config) { c.Processor.NotifierQueue = "" }, errMsg: "notifier-queue cannot be empty"},
		{name: "same queues", modify: func(c *Config) { c.Processor.NotifierQueue = "events" }, errMsg: "processor-queue and notifier-queue must differ"},
		{name: "negative initial delay", modify: func(c *Config) { c.Processor.InitialFailureDelay = -time.Second }, errMsg: "initial-failure-delay must be >= 0"},
		{name: "negative repeat delay", modify: func(c *Config) { c.Processor.RepeatFailureDelay = -time.Second }, errMsg: "repeat-failure-delay must be >= 0"},
		{name: "zero acknowledgement", modify: func(c *Config) { c.Processor.AcknowledgementDuration = 0 }, errMsg: "acknowledgement-duration must be > 0"},
		{name: "archive without maxage", modify: func(c *Config) {
			c.Processor.ArchiveEvents = true
			c.Processor.EventsArchiveMaxAge = 0
		}, errMsg: "events-archive-maxage must be > 0"},
		{name: "common settings checked", modify: func(c *Config) { c.RedisAddr = "" }, errMsg: "redis-addr cannot be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(c)
			checkErr(t, c.ValidateProcessor(), tt.errMsg)
		})
	}
}

func TestConfig_ValidateNotifier(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		errMsg  string
		wantErr bool
	}{
		{name: "defaults are valid", modify: func(c *Config) {}},
		{name: "missing queue", modify: func(c *Config) { c.Notifier.Queue = "" }, errMsg: "notifier-queue cannot be empty"},
		{name: "no transports", modify: func(c *Config) { c.Notifier.TransportQueues = nil }, errMsg: "transport-queues cannot be empty"},
		{name: "empty transport queue", modify: func(c *Config) { c.Notifier.TransportQueues = map[string]string{"email": ""} },
			errMsg: "transport-queues: queue for email cannot be empty"},
		{name: "transport on notifier queue", modify: func(c *Config) { c.Notifier.TransportQueues = map[string]string{"email": "notifications"} },
			errMsg: "transport-queues: queue for email must differ from notifier-queue"},
		{name: "unknown timezone", modify: func(c *Config) { c.Notifier.DefaultContactTimezone = "Mars/Olympus" }, wantErr: true},
		{name: "named timezone", modify: func(c *Config) { c.Notifier.DefaultContactTimezone = "Europe/Berlin" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(c)
			err := c.ValidateNotifier()
			if tt.wantErr {
				if err == nil {
					t.Error("ValidateNotifier() error = nil, want error")
				}
				return
			}
			checkErr(t, err, tt.errMsg)
		})
	}
}

func TestConfig_ValidateDirectoryAndBridge(t *testing.T) {
	c := Default()
	if err := c.ValidateDirectory(); err != nil {
		t.Errorf("ValidateDirectory() error = %v", err)
	}
	if err := c.ValidateBridge(); err != nil {
		t.Errorf("ValidateBridge() error = %v", err)
	}

	c.PostgresDSN = ""
	checkErr(t, c.ValidateDirectory(), "postgres-dsn cannot be empty")
	c = Default()
	c.SyncInterval = 0
	checkErr(t, c.ValidateDirectory(), "sync-interval must be > 0")

	c = Default()
	c.KafkaBrokers = ""
	checkErr(t, c.ValidateBridge(), "kafka-brokers cannot be empty")
	c = Default()
	c.KafkaEventsTopic = ""
	checkErr(t, c.ValidateBridge(), "kafka-events-topic cannot be empty")
	c = Default()
	c.KafkaGroupID = ""
	checkErr(t, c.ValidateBridge(), "kafka-group-id cannot be empty")
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
redis_addr: redis:6379
lock_wait: 2s
processor:
  initial_failure_delay: 45s
  new_check_scheduled_maintenance_ignore_tags: [prod, db]
  archive_events: true
notifier:
  transport_queues:
    pager: pager_notifications
  default_contact_timezone: Australia/Sydney
`)

	c := Default()
	if err := LoadFile(path, c); err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if c.RedisAddr != "redis:6379" || c.LockWait != 2*time.Second {
		t.Errorf("top-level keys not applied: %+v", c)
	}
	if c.Processor.InitialFailureDelay != 45*time.Second || c.Processor.RepeatFailureDelay != 60*time.Second {
		t.Errorf("processor delays = %v/%v", c.Processor.InitialFailureDelay, c.Processor.RepeatFailureDelay)
	}
	if len(c.Processor.NewCheckScheduledMaintenanceIgnoreTags) != 2 || !c.Processor.ArchiveEvents {
		t.Errorf("processor = %+v", c.Processor)
	}
	if len(c.Notifier.TransportQueues) != 1 || c.Notifier.TransportQueues["pager"] != "pager_notifications" {
		t.Errorf("transport queues = %v, want the file's map only", c.Notifier.TransportQueues)
	}
	if c.Notifier.Queue != "notifications" {
		t.Errorf("notifier queue = %s, absent keys keep defaults", c.Notifier.Queue)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	if err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), Default()); err == nil {
		t.Error("LoadFile() on a missing file should fail")
	}

	c := Default()
	if err := LoadFile(writeFile(t, "lock_wait: [not a duration"), c); err == nil {
		t.Error("LoadFile() on malformed YAML should fail")
	}
	if len(c.Notifier.TransportQueues) != 4 {
		t.Errorf("transport queues = %v, failed load must keep them", c.Notifier.TransportQueues)
	}
}

func TestLoad_Precedence(t *testing.T) {
	path := writeFile(t, `
redis_addr: file:6379
metrics_addr: ":9100"
processor:
  queue: file_events
`)
	t.Setenv("METRICS_ADDR", ":9200")
	t.Setenv("LOCK_TTL", "1m")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	c, err := Load(fs, []string{
		"--config", path,
		"--redis-addr", "flag:6379",
		"--exit-on-queue-empty",
		"--notifier-queue", "notes",
		"--transport-queues", "email=mail_q, sms=sms_q",
		"--new-check-scheduled-maintenance-ignore-tags", "prod,,db",
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if c.RedisAddr != "flag:6379" {
		t.Errorf("redis addr = %s, flag must win over the file", c.RedisAddr)
	}
	if c.MetricsAddr != ":9200" {
		t.Errorf("metrics addr = %s, environment must win over the file", c.MetricsAddr)
	}
	if c.LockTTL != time.Minute {
		t.Errorf("lock ttl = %v, want environment value", c.LockTTL)
	}
	if c.Processor.Queue != "file_events" {
		t.Errorf("processor queue = %s, want file value", c.Processor.Queue)
	}
	if c.LockWait != 10*time.Second {
		t.Errorf("lock wait = %v, want default", c.LockWait)
	}
	if !c.Processor.ExitOnQueueEmpty || !c.Notifier.ExitOnQueueEmpty {
		t.Error("exit-on-queue-empty applies to both workers")
	}
	if c.Processor.NotifierQueue != "notes" || c.Notifier.Queue != "notes" {
		t.Errorf("notifier queue = %s/%s", c.Processor.NotifierQueue, c.Notifier.Queue)
	}
	if len(c.Notifier.TransportQueues) != 2 || c.Notifier.TransportQueues["sms"] != "sms_q" {
		t.Errorf("transport queues = %v", c.Notifier.TransportQueues)
	}
	if tags := c.Processor.NewCheckScheduledMaintenanceIgnoreTags; len(tags) != 2 || tags[1] != "db" {
		t.Errorf("ignore tags = %v", tags)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "duration", args: []string{"--lock-ttl", "soon"}},
		{name: "integer", args: []string{"--redis-db", "one"}},
		{name: "bool", args: []string{"--archive-events=maybe"}},
		{name: "map", args: []string{"--transport-queues", "email"}},
		{name: "missing file", args: []string{"--config", "/nonexistent/alerting.yaml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := flag.NewFlagSet("test", flag.ContinueOnError)
			fs.SetOutput(io.Discard)
			if _, err := Load(fs, tt.args); err == nil {
				t.Error("Load() error = nil, want error")
			}
		})
	}
}

func checkErr(t *testing.T, err error, want string) {
	t.Helper()
	if want == "" {
		if err != nil {
			t.Errorf("error = %v, want nil", err)
		}
		return
	}
	if err == nil || err.Error() != want {
		t.Errorf("error = %v, want %q", err, want)
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "alerting.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
