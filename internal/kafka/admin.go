package kafka

import (
	"context"
	"fmt"
	"sort"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Reachability is the result of a startup check against the cluster.
type Reachability struct {
	Brokers       int
	MissingTopics []string
}

// Ping connects to the cluster, lists its brokers and checks that topics exist.
// A returned error means the cluster could not be reached at all; missing
// topics are reported in the result because they may be auto-created.
func Ping(ctx context.Context, cfg *ClusterConfig, topics []string) (Reachability, error) {
	opts, err := ClientOptions(cfg)
	if err != nil {
		return Reachability{}, fmt.Errorf("cluster options: %w", err)
	}
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return Reachability{}, fmt.Errorf("kafka client: %w", err)
	}
	defer cl.Close()

	adm := kadm.NewClient(cl)

	brokers, err := adm.ListBrokers(ctx)
	if err != nil {
		return Reachability{}, fmt.Errorf("list brokers: %w", err)
	}
	if len(brokers) == 0 {
		return Reachability{}, fmt.Errorf("cluster reported no brokers")
	}

	res := Reachability{Brokers: len(brokers)}
	if len(topics) == 0 {
		return res, nil
	}

	details, err := adm.ListTopics(ctx, topics...)
	if err != nil {
		return Reachability{}, fmt.Errorf("list topics: %w", err)
	}
	for _, t := range topics {
		d, ok := details[t]
		if !ok || d.Err != nil {
			res.MissingTopics = append(res.MissingTopics, t)
		}
	}
	sort.Strings(res.MissingTopics)
	return res, nil
}
