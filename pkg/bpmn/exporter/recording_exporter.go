package exporter

import "sync"

// RecordingExporter keeps exported records in memory, optionally bounded to
// the most recent ones.
type RecordingExporter struct {
	mu      sync.RWMutex
	records []Record
	limit   int
}

// NewRecordingExporter creates an exporter keeping at most limit records,
// a limit of zero keeps all of them.
func NewRecordingExporter(limit int) *RecordingExporter {
	return &RecordingExporter{limit: limit}
}

func (r *RecordingExporter) Export(record Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	if r.limit > 0 && len(r.records) > r.limit {
		r.records = r.records[len(r.records)-r.limit:]
	}
}

func (r *RecordingExporter) Records() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Record, len(r.records))
	copy(result, r.records)
	return result
}

// After returns up to limit records with a position greater than position,
// all of them when limit is zero.
func (r *RecordingExporter) After(position int64, limit int) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []Record
	for _, record := range r.records {
		if record.Position <= position {
			continue
		}
		result = append(result, record)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result
}

// Filter returns the records of the value type with one of the intents, all
// intents match when none are given.
func (r *RecordingExporter) Filter(valueType ValueType, intents ...Intent) []Record {
	var result []Record
	for _, record := range r.Records() {
		if record.ValueType != valueType {
			continue
		}
		if len(intents) > 0 && !containsIntent(intents, record.Intent) {
			continue
		}
		result = append(result, record)
	}
	return result
}

func (r *RecordingExporter) Rejections() []Record {
	var result []Record
	for _, record := range r.Records() {
		if record.RecordType == RecordTypeCommandRejection {
			result = append(result, record)
		}
	}
	return result
}

func (r *RecordingExporter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = nil
}

func containsIntent(intents []Intent, intent Intent) bool {
	for _, i := range intents {
		if i == intent {
			return true
		}
	}
	return false
}
