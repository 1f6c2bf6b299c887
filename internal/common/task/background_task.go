package task

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

type task struct {
	function   func(ctx context.Context)
	interval   time.Duration
	metricName string
	cancel     context.CancelFunc
}

// BackgroundTaskManager runs functions on a fixed interval until stopped.
// A panic inside one iteration is logged and the task carries on with the next iteration.
// BackgroundTaskManager is not threadsafe, it should only be accessed from a single thread.
type BackgroundTaskManager struct {
	tasks         []*task
	metricsPrefix string
	wg            *sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		tasks:         []*task{},
		metricsPrefix: metricsPrefix,
		wg:            &sync.WaitGroup{},
	}
}

// Register starts backgroundTask immediately and then once per interval.
// The context passed to the task is cancelled by StopAll and acts as its kill event.
func (m *BackgroundTaskManager) Register(backgroundTask func(ctx context.Context), interval time.Duration, metricName string) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		function:   backgroundTask,
		interval:   interval,
		metricName: metricName,
		cancel:     cancel,
	}
	m.startBackgroundTask(ctx, t)
	m.tasks = append(m.tasks, t)
}

// StopAll signals every task to stop and waits up to timeout for them to finish.
// Returns true if the timeout expired first.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	for _, t := range m.tasks {
		t.cancel()
	}
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(ctx context.Context, t *task) {
	taskDurationHistogram := promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    m.metricsPrefix + t.metricName + "_latency_seconds",
			Help:    "Background loop " + t.metricName + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			start := time.Now()
			runSafely(ctx, t)
			taskDurationHistogram.Observe(time.Since(start).Seconds())

			select {
			case <-time.After(t.interval):
			case <-ctx.Done():
				return
			}
		}
	}()
}

func runSafely(ctx context.Context, t *task) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("task", t.metricName).Errorf("Background task panicked: %v", r)
		}
	}()
	t.function(ctx)
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false
	case <-time.After(timeout):
		return true
	}
}
