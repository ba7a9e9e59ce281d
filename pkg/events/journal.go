package events

import "sync"

// Journal keeps the most recent envelopes for status queries.
type Journal struct {
	mu   sync.Mutex
	max  int
	list []Envelope
}

func NewJournal(max int) *Journal {
	if max <= 0 {
		max = 256
	}
	return &Journal{max: max}
}

func (j *Journal) Append(e Envelope) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.list = append(j.list, e)
	if len(j.list) > j.max {
		j.list = append([]Envelope{}, j.list[len(j.list)-j.max:]...)
	}
	return nil
}

func (j *Journal) Snapshot() []Envelope {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Envelope{}, j.list...)
}

// Attach subscribes the journal to every stackctl topic.
func (j *Journal) Attach(b *Bus) {
	for _, topic := range []string{TopicService, TopicHealth, TopicBuild, TopicWatch} {
		b.AddHandler("journal."+topic, topic, j.Append)
	}
}
