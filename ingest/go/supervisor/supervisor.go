// Package supervisor discovers nightly topics, spawns one worker process
// per live topic, and reaps dead workers so the next loop iteration
// respawns them.
package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"time"

	"go.alertstream.build/go/sklog"
	"go.alertstream.build/ingest/go/metrics"
)

const pollInterval = 300 * time.Second

// BrokerAdmin lists topics currently known to the broker.
type BrokerAdmin interface {
	ListTopics(ctx context.Context) ([]string, error)
}

// handle is a live worker process plus its bookkeeping.
type handle struct {
	topic   string
	groupID string
	cmd     *exec.Cmd
}

// Spawner launches one OS process per topic. Process, not thread,
// isolation matters here because the ML runtime's memory footprint per
// topic is large and unpredictable.
type Spawner func(topic, groupID, dateStr string, savePackets, test bool) (*exec.Cmd, error)

// Supervisor tracks the topic-to-worker-handle mapping, monotonic in
// membership within an observing night except for entries removed when a
// worker is observed dead.
type Supervisor struct {
	admin       BrokerAdmin
	spawn       Spawner
	survey      string
	blocklist   []string
	topicPattern *regexp.Regexp

	topicsOnWatch map[string]*handle
}

func New(admin BrokerAdmin, spawn Spawner, survey string, blocklist []string) *Supervisor {
	return &Supervisor{
		admin:         admin,
		spawn:         spawn,
		survey:        survey,
		blocklist:     blocklist,
		topicsOnWatch: map[string]*handle{},
	}
}

// SelectTopics filters the broker's topic list down to
// "<survey>_<datestr>_programid*", excluding the blocklist.
func (s *Supervisor) SelectTopics(all []string, dateStr string) []string {
	pattern := regexp.MustCompile(fmt.Sprintf(`^%s_%s_programid`, regexp.QuoteMeta(s.survey), regexp.QuoteMeta(dateStr)))
	var out []string
	for _, t := range all {
		if !pattern.MatchString(t) {
			continue
		}
		if s.blocked(t) {
			continue
		}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s *Supervisor) blocked(topic string) bool {
	for _, b := range s.blocklist {
		if topic == b || regexp.MustCompile(regexp.QuoteMeta(b)).MatchString(topic) {
			return true
		}
	}
	return false
}

// Run drives the discover/spawn/reap loop. In test mode it waits a single
// fixed interval, then kills every worker and returns; in production mode
// it sleeps pollInterval and repeats until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context, obsDate string, savePackets, test bool) error {
	dateStr := obsDate
	if dateStr == "" {
		dateStr = time.Now().UTC().Format("20060102")
	}

	for {
		if err := s.tick(ctx, dateStr, savePackets, test); err != nil {
			sklog.Errorf("supervisor tick failed: %v", err)
		}

		if test {
			select {
			case <-time.After(10 * time.Second):
			case <-ctx.Done():
			}
			s.killAll()
			return ctx.Err()
		}

		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			s.killAll()
			return ctx.Err()
		}
	}
}

func (s *Supervisor) tick(ctx context.Context, dateStr string, savePackets, test bool) error {
	all, err := s.admin.ListTopics(ctx)
	if err != nil {
		return fmt.Errorf("listing topics: %w", err)
	}

	for _, topic := range s.SelectTopics(all, dateStr) {
		if _, tracked := s.topicsOnWatch[topic]; tracked {
			continue
		}
		groupID := fmt.Sprintf("%s_%s", s.survey, time.Now().UTC().Format("2006-01-02_15:04:05.000000"))
		cmd, err := s.spawn(topic, groupID, dateStr, savePackets, test)
		if err != nil {
			sklog.Errorf("spawning worker for topic %s failed: %v", topic, err)
			continue
		}
		sklog.Infof("spawned worker for topic %s group %s", topic, groupID)
		s.topicsOnWatch[topic] = &handle{topic: topic, groupID: groupID, cmd: cmd}
	}

	for topic, h := range s.topicsOnWatch {
		if !isAlive(h.cmd) {
			sklog.Infof("worker for topic %s died, removing from watch", topic)
			delete(s.topicsOnWatch, topic)
		}
	}
	metrics.WorkersSpawned.WithLabelValues(s.survey).Set(float64(len(s.topicsOnWatch)))
	return nil
}

func isAlive(cmd *exec.Cmd) bool {
	if cmd == nil || cmd.Process == nil {
		return false
	}
	return cmd.ProcessState == nil
}

func (s *Supervisor) killAll() {
	for topic, h := range s.topicsOnWatch {
		if h.cmd != nil && h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
		delete(s.topicsOnWatch, topic)
	}
}

// Topics returns the currently tracked topic names, for tests/introspection.
func (s *Supervisor) Topics() []string {
	out := make([]string, 0, len(s.topicsOnWatch))
	for t := range s.topicsOnWatch {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
