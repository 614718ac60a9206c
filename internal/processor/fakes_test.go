package processor

import "time"

// fakeMetrics is a test fake for MetricsRecorder.
type fakeMetrics struct {
	received  int
	processed int
	published int
	errors    int
	custom    map[string]int
}

func (f *fakeMetrics) RecordReceived()                 { f.received++ }
func (f *fakeMetrics) RecordProcessed(_ time.Duration) { f.processed++ }
func (f *fakeMetrics) RecordPublished()                { f.published++ }
func (f *fakeMetrics) RecordError()                    { f.errors++ }

func (f *fakeMetrics) IncrementCustom(name string) {
	if f.custom == nil {
		f.custom = make(map[string]int)
	}
	f.custom[name]++
}
