package connection

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/msu907/trackviz/internal/domain"
	"github.com/msu907/trackviz/internal/metrics"
)

const frameQueueSize = 256

// frameJob asks a pool worker to build the wire frames for one batch. A
// non-empty targetClient narrows delivery to a single subscriber (replay);
// otherwise the frame fans out to everyone subscribed to the widget.
type frameJob struct {
	widgetID     string
	targetClient string
	updates      []*domain.VisualizationUpdate
}

// preparedFrame is one batch serialized exactly once. The gzipped form is
// present only when the serialized batch crossed the compression threshold;
// which form a client receives depends on its capability flag alone.
type preparedFrame struct {
	widgetID string
	plain    []byte
	gzipped  []byte
}

// framePool serializes and compresses outgoing batches off the manager loop.
// Jobs are dispatched to a worker picked by widget id hash, so batches for
// one widget are prepared and delivered in FIFO order while distinct widgets
// proceed in parallel.
type framePool struct {
	queues    []chan frameJob
	threshold int
	deliver   func(frameJob, *preparedFrame)
	onError   func(widgetID string, err error)
	wg        sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func newFramePool(workers, threshold int, deliver func(frameJob, *preparedFrame), onError func(string, error)) *framePool {
	p := &framePool{
		queues:    make([]chan frameJob, workers),
		threshold: threshold,
		deliver:   deliver,
		onError:   onError,
	}
	for i := range p.queues {
		p.queues[i] = make(chan frameJob, frameQueueSize)
		p.wg.Add(1)
		go p.work(p.queues[i])
	}
	return p
}

// submit hands a job to the widget's worker without blocking. Overflow drops
// the batch; delivery is best-effort and a full queue means the process is
// already far behind. Returns false after stop, so pipelines still flushing
// during shutdown get a refusal instead of a send on a closed queue.
func (p *framePool) submit(job frameJob) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(job.widgetID))
	queue := p.queues[h.Sum32()%uint32(len(p.queues))]

	select {
	case queue <- job:
		return true
	default:
		metrics.FramePoolDrops.Inc()
		return false
	}
}

func (p *framePool) work(queue chan frameJob) {
	defer p.wg.Done()

	for job := range queue {
		frame, err := p.prepare(job)
		if err != nil {
			p.onError(job.widgetID, err)
			continue
		}
		p.deliver(job, frame)
	}
}

// prepare builds the update envelope for one batch: the JSON array is
// marshaled once, and gzipped once when it crosses the threshold.
func (p *framePool) prepare(job frameJob) (*preparedFrame, error) {
	data, err := json.Marshal(job.updates)
	if err != nil {
		return nil, fmt.Errorf("marshal batch for widget %s: %w", job.widgetID, err)
	}

	plain, err := json.Marshal(domain.UpdateEnvelope{
		Type:     domain.MessageUpdate,
		WidgetID: job.widgetID,
		Data:     data,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope for widget %s: %w", job.widgetID, err)
	}

	frame := &preparedFrame{widgetID: job.widgetID, plain: plain}
	metrics.FramesPrepared.WithLabelValues("plain").Inc()
	metrics.FrameBytes.WithLabelValues("plain").Observe(float64(len(plain)))

	if len(data) < p.threshold {
		return frame, nil
	}

	compressed, err := gzipBytes(data)
	if err != nil {
		return nil, fmt.Errorf("compress batch for widget %s: %w", job.widgetID, err)
	}

	encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(compressed))
	if err != nil {
		return nil, fmt.Errorf("encode compressed batch for widget %s: %w", job.widgetID, err)
	}

	frame.gzipped, err = json.Marshal(domain.UpdateEnvelope{
		Type:       domain.MessageUpdate,
		WidgetID:   job.widgetID,
		Data:       encoded,
		Compressed: true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal compressed envelope for widget %s: %w", job.widgetID, err)
	}

	metrics.FramesPrepared.WithLabelValues("gzip").Inc()
	metrics.FrameBytes.WithLabelValues("gzip").Observe(float64(len(frame.gzipped)))
	return frame, nil
}

// stop drains the workers. Submitted jobs still in flight are completed;
// later submits are refused. Idempotent.
func (p *framePool) stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for _, queue := range p.queues {
			close(queue)
		}
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
