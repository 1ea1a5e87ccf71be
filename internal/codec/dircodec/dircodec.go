// Package dircodec serves tiles from a directory tree of zstd-compressed
// raw tiles:
//
//	<root>/<sequence name>/<mip>/<x>_<y>.tile.zst
//
// Each decoded tile must be exactly the descriptor's TileBytes for its mip;
// edge tiles are padded by the writer.
package dircodec

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"tilestream.ai/internal/codec"
	"tilestream.ai/internal/sequence"
)

var ErrClosed = errors.New("dircodec closed")

// Tile is the payload handed to the core.
type Tile struct {
	Key  sequence.TileKey
	Data []byte
}

func (t *Tile) Size() int64 { return int64(len(t.Data)) }

type job struct {
	key       sequence.TileKey
	desc      sequence.Descriptor
	name      string
	done      codec.Done
	cancelled bool
}

// Stats are cumulative counters.
type Stats struct {
	Fetched   uint64
	Failed    uint64
	Cancelled uint64
	Released  uint64
	LiveBytes int64
}

type Codec struct {
	root   string
	logger *log.Logger
	dec    *zstd.Decoder

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*job
	byKey  map[sequence.TileKey][]*job
	seqs   map[sequence.ID]sequence.Descriptor
	closed bool
	wg     sync.WaitGroup

	fetched   atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
	released  atomic.Uint64
	liveBytes atomic.Int64
}

// New starts workers goroutines reading under root.
func New(root string, workers int, logger *log.Logger) (*Codec, error) {
	if workers <= 0 {
		workers = 4
	}
	c, err := open(root, logger)
	if err != nil {
		return nil, err
	}
	c.start(workers)
	return c, nil
}

func open(root string, logger *log.Logger) (*Codec, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	st, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrap(err, "tile root")
	}
	if !st.IsDir() {
		return nil, errors.Errorf("tile root %s is not a directory", root)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	c := &Codec{
		root:   root,
		logger: logger,
		dec:    dec,
		byKey:  map[sequence.TileKey][]*job{},
		seqs:   map[sequence.ID]sequence.Descriptor{},
	}
	c.cond = sync.NewCond(&c.mu)
	return c, nil
}

func (c *Codec) start(workers int) {
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
}

func (c *Codec) Bind(id sequence.ID, d sequence.Descriptor) error {
	dir := filepath.Join(c.root, d.Name())
	st, err := os.Stat(dir)
	if err != nil {
		return errors.Wrapf(err, "sequence %s", d.Name())
	}
	if !st.IsDir() {
		return errors.Errorf("sequence %s: %s is not a directory", d.Name(), dir)
	}
	c.mu.Lock()
	c.seqs[id] = d
	c.mu.Unlock()
	return nil
}

func (c *Codec) Unbind(id sequence.ID) {
	c.mu.Lock()
	delete(c.seqs, id)
	c.mu.Unlock()
}

// BeginFetch queues the read; it never blocks on I/O.
func (c *Codec) BeginFetch(key sequence.TileKey, done codec.Done) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		done(codec.Result{Err: ErrClosed})
		return
	}
	d, ok := c.seqs[key.Seq]
	if !ok {
		c.mu.Unlock()
		done(codec.Result{Err: errors.Wrapf(sequence.ErrUnknown, "fetch %v", key)})
		return
	}
	j := &job{key: key, desc: d, name: d.Name(), done: done}
	c.queue = append(c.queue, j)
	c.byKey[key] = append(c.byKey[key], j)
	c.mu.Unlock()
	c.cond.Signal()
}

// CancelFetch marks queued reads of key; a worker resolves them with
// codec.ErrCancelled instead of touching disk. Reads already in progress
// complete normally.
func (c *Codec) CancelFetch(key sequence.TileKey) {
	c.mu.Lock()
	for _, j := range c.byKey[key] {
		j.cancelled = true
	}
	c.mu.Unlock()
}

func (c *Codec) Release(p codec.Payload) error {
	t, ok := p.(*Tile)
	if !ok {
		return errors.Errorf("release: foreign payload %T", p)
	}
	if t.Data == nil {
		return errors.Errorf("release %v: already released", t.Key)
	}
	c.liveBytes.Add(-int64(len(t.Data)))
	c.released.Add(1)
	t.Data = nil
	return nil
}

func (c *Codec) Stats() Stats {
	return Stats{
		Fetched:   c.fetched.Load(),
		Failed:    c.failed.Load(),
		Cancelled: c.cancelled.Load(),
		Released:  c.released.Load(),
		LiveBytes: c.liveBytes.Load(),
	}
}

// Close stops the workers. Queued reads resolve with codec.ErrCancelled.
func (c *Codec) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.cond.Broadcast()
	c.wg.Wait()
	c.dec.Close()
	return nil
}

func (c *Codec) next() (*job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) == 0 && !c.closed {
		c.cond.Wait()
	}
	if len(c.queue) == 0 {
		return nil, false
	}
	j := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	q := c.byKey[j.key]
	for i, o := range q {
		if o == j {
			q = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(q) == 0 {
		delete(c.byKey, j.key)
	} else {
		c.byKey[j.key] = q
	}
	if c.closed {
		j.cancelled = true
	}
	return j, true
}

func (c *Codec) worker() {
	defer c.wg.Done()
	for {
		j, ok := c.next()
		if !ok {
			return
		}
		if j.cancelled {
			c.cancelled.Add(1)
			j.done(codec.Result{Err: codec.ErrCancelled})
			continue
		}
		data, err := c.read(j)
		if err != nil {
			c.failed.Add(1)
			c.logger.Printf("fetch %s %v: %v", j.name, j.key, err)
			j.done(codec.Result{Err: err})
			continue
		}
		c.fetched.Add(1)
		c.liveBytes.Add(int64(len(data)))
		j.done(codec.Result{Payload: &Tile{Key: j.key, Data: data}})
	}
}

func (c *Codec) read(j *job) ([]byte, error) {
	p := TilePath(c.root, j.name, j.key.Mip, j.key.Tile.X, j.key.Tile.Y)
	raw, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			if _, derr := os.Stat(filepath.Dir(p)); os.IsNotExist(derr) {
				return nil, errors.Wrapf(codec.ErrDescriptorChanged, "%s: mip %d missing", j.name, j.key.Mip)
			}
		}
		return nil, err
	}
	data, err := c.dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", p)
	}
	if want := j.desc.TileBytes(j.key.Mip); int64(len(data)) != want {
		return nil, errors.Wrapf(codec.ErrDescriptorChanged, "%s: %d bytes, want %d", p, len(data), want)
	}
	return data, nil
}

// TilePath is where the tile (mip, x, y) of sequence name lives under root.
func TilePath(root, name string, mip, x, y int) string {
	return filepath.Join(root, name, strconv.Itoa(mip), fmt.Sprintf("%d_%d.tile.zst", x, y))
}

// WriteTile compresses data into the layout New reads.
func WriteTile(root, name string, mip, x, y int, data []byte) error {
	p := TilePath(root, name, mip, x, y)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return err
	}
	defer enc.Close()
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, enc.EncodeAll(data, nil), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}
