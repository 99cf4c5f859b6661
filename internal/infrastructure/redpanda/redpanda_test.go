package redpanda

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestCommittableStopsAtFirstFailurePerPartition(t *testing.T) {
	rec := func(p int32, off int64) *kgo.Record {
		return &kgo.Record{Topic: TopicActions, Partition: p, Offset: off}
	}
	records := []*kgo.Record{rec(0, 1), rec(1, 1), rec(0, 2), rec(1, 2), rec(0, 3)}
	fail := errors.New("retry")
	errs := []error{nil, fail, fail, nil, nil}

	ok, retry := committable(records, errs)

	assert.Equal(t, []*kgo.Record{records[0]}, ok)
	assert.Equal(t, []*kgo.Record{records[1], records[2]}, retry)
}

func TestHeaderCarrier(t *testing.T) {
	r := &kgo.Record{}
	c := headerCarrier{r}
	c.Set("traceparent", "a")
	c.Set("traceparent", "b")
	c.Set("baggage", "x=1")

	assert.Equal(t, "b", c.Get("traceparent"))
	assert.Equal(t, []string{"traceparent", "baggage"}, c.Keys())
	assert.Empty(t, c.Get("missing"))
}

func TestDefaultTopicConfigs(t *testing.T) {
	names := func(cfgs []TopicConfig) []string {
		var out []string
		for _, c := range cfgs {
			out = append(out, c.Name)
		}
		return out
	}

	assert.Equal(t,
		[]string{TopicActions, TopicReplies, TopicAudit, TopicDeadLetter},
		names(DefaultTopicConfigs(TopicNames{})))
	assert.Equal(t,
		[]string{"in", TopicReplies, "audit", TopicDeadLetter},
		names(DefaultTopicConfigs(TopicNames{Actions: "in", Audit: "audit"})))
}
