package kafka

import (
	"reflect"
	"testing"
)

func TestParseBrokers(t *testing.T) {
	tests := []struct {
		name    string
		brokers string
		want    []string
	}{
		{name: "empty", brokers: "", want: nil},
		{name: "single", brokers: "localhost:9092", want: []string{"localhost:9092"}},
		{name: "trims whitespace", brokers: " a:1 , b:2 ", want: []string{"a:1", "b:2"}},
		{name: "drops empty entries", brokers: "a:1,,b:2,", want: []string{"a:1", "b:2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseBrokers(tt.brokers); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseBrokers() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateConsumerParams(t *testing.T) {
	tests := []struct {
		name                    string
		brokers, topic, groupID string
		wantErr                 string
	}{
		{name: "valid", brokers: "b", topic: "t", groupID: "g"},
		{name: "no brokers", topic: "t", groupID: "g", wantErr: "brokers cannot be empty"},
		{name: "no topic", brokers: "b", groupID: "g", wantErr: "topic cannot be empty"},
		{name: "no group", brokers: "b", topic: "t", wantErr: "groupID cannot be empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConsumerParams(tt.brokers, tt.topic, tt.groupID)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("ValidateConsumerParams() unexpected error %v", err)
				}
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Errorf("ValidateConsumerParams() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestNewReaderConfig(t *testing.T) {
	cfg := NewReaderConfig([]string{"a:1"}, "events", "bridge")
	if cfg.Topic != "events" || cfg.GroupID != "bridge" {
		t.Errorf("NewReaderConfig() topic/group = %s/%s", cfg.Topic, cfg.GroupID)
	}
	if cfg.CommitInterval != 0 {
		t.Errorf("NewReaderConfig() CommitInterval = %v, want synchronous commits", cfg.CommitInterval)
	}
	if cfg.MaxWait != MaxPollWait {
		t.Errorf("NewReaderConfig() MaxWait = %v, want %v", cfg.MaxWait, MaxPollWait)
	}
}
