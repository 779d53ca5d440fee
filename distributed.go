package convolve

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/segmentio/ksuid"
)

// Collective is a fixed-size process group with rank 0 as coordinator.
//
// Every call blocks until all ranks complete it or the group aborts. After
// Abort on any rank, every pending and future call on every rank fails.
// Payloads are transferred, never shared: a returned slice is owned by the
// caller.
type Collective interface {
	Rank() int
	Size() int

	// Broadcast sends data from rank 0 to every rank. Other ranks pass nil.
	Broadcast(ctx context.Context, data []byte) ([]byte, error)

	// Scatter sends parts[r] from rank 0 to rank r. Other ranks pass nil.
	Scatter(ctx context.Context, parts [][]byte) ([]byte, error)

	// Gather collects part from every rank at rank 0, indexed by rank.
	// Other ranks receive nil.
	Gather(ctx context.Context, part []byte) ([][]byte, error)

	// Abort fails the whole group with cause.
	Abort(cause error)
}

// Distributed splits the rows of an image across the ranks of a
// Collective. The coordinator owns the input and assembles the output;
// every rank, the coordinator included, convolves one horizontal slice.
//
// With P ranks and height H each rank owns H/P rows. The last H mod P rows
// are not distributed, so when H is not a multiple of P the result is
// H/P*P rows tall. A warning is logged in that case.
type Distributed struct {
	comm Collective
	opts options
}

// NewDistributed creates a distributed backend over comm. Every rank of the
// group must create one and call Run together.
func NewDistributed(comm Collective, opts ...Option) (*Distributed, error) {
	if comm == nil {
		return nil, fmt.Errorf("%w: nil collective", ErrInvalidArgument)
	}
	o := applyOptions(opts)
	if o.local == nil {
		o.local = NewSequential()
	}
	return &Distributed{comm: comm, opts: o}, nil
}

// Name returns "distributed".
func (d *Distributed) Name() string {
	return "distributed"
}

// Rank returns this process's rank in the group.
func (d *Distributed) Rank() int {
	return d.comm.Rank()
}

// Run convolves img with k across the group.
//
// On the coordinator img and k are the job; the result is returned there.
// Other ranks pass a nil img, take the kernel from the coordinator and
// return (nil, nil) on success. A non-nil k on another rank must match the
// coordinator's kernel size. Any failure aborts the group, so every rank
// returns an error.
func (d *Distributed) Run(ctx context.Context, img *PixelBuffer, k *Kernel) (*PixelBuffer, error) {
	start := time.Now()
	out, rows, err := d.run(ctx, img, k)
	if err != nil {
		d.comm.Abort(err)
		observe(d.opts.observer, d.Name(), 0, start, err)
		return nil, err
	}
	observe(d.opts.observer, d.Name(), rows, start, nil)
	return out, nil
}

func (d *Distributed) run(ctx context.Context, img *PixelBuffer, k *Kernel) (*PixelBuffer, int, error) {
	rank, size := d.comm.Rank(), d.comm.Size()
	coordinator := rank == 0

	var payload []byte
	if coordinator {
		if err := checkRun(img, k); err != nil {
			return nil, 0, err
		}
		if img.height/size == 0 {
			return nil, 0, fmt.Errorf("%w: %d rows cannot be split across %d ranks",
				ErrInvalidArgument, img.height, size)
		}
		hdr := runHeader{
			RunID:    ksuid.New(),
			Width:    img.width,
			Height:   img.height,
			Channels: img.channels,
			Kernel:   k,
		}
		payload = hdr.marshal()
	}

	payload, err := d.comm.Broadcast(ctx, payload)
	if err != nil {
		return nil, 0, fmt.Errorf("convolve: broadcast header: %w", err)
	}
	hdr, err := unmarshalRunHeader(payload)
	if err != nil {
		return nil, 0, err
	}
	if !coordinator && k != nil && k.size != hdr.Kernel.size {
		return nil, 0, fmt.Errorf("%w: rank %d kernel is %dx%d, coordinator sent %dx%d",
			ErrDimensionMismatch, rank, k.size, k.size, hdr.Kernel.size, hdr.Kernel.size)
	}
	k = hdr.Kernel

	rowsPerRank := hdr.Height / size
	if rowsPerRank == 0 {
		return nil, 0, fmt.Errorf("%w: %d rows cannot be split across %d ranks",
			ErrInvalidArgument, hdr.Height, size)
	}
	if coordinator && hdr.Height%size != 0 {
		Logger().Warn("convolve: image height not divisible by rank count; trailing rows dropped",
			"run_id", hdr.RunID, "height", hdr.Height, "ranks", size, "dropped", hdr.Height%size)
	}

	parts, err := RowBands(0, rowsPerRank*size, rowsPerRank, k.HalfWidth(), hdr.Height)
	if err != nil {
		return nil, 0, err
	}
	mine := parts[rank]
	Logger().Debug("convolve: distributed slice",
		"run_id", hdr.RunID, "rank", rank, "ranks", size, "partition", mine.String())

	var scatter [][]byte
	if coordinator {
		scatter = make([][]byte, size)
		for r, p := range parts {
			scatter[r] = img.Rows(p.ReadStart(), p.ReadEnd())
		}
	}
	samples, err := d.comm.Scatter(ctx, scatter)
	if err != nil {
		return nil, 0, fmt.Errorf("convolve: scatter rows: %w", err)
	}
	rowBytes := hdr.Width * hdr.Channels
	if want := mine.ReadRows() * rowBytes; len(samples) != want {
		return nil, 0, fmt.Errorf("%w: rank %d received %d bytes, want %d",
			ErrDimensionMismatch, rank, len(samples), want)
	}
	slice, err := FromSamples(hdr.Width, mine.ReadRows(), hdr.Channels, samples)
	if err != nil {
		return nil, 0, err
	}

	res, err := d.opts.local.Run(ctx, slice, k)
	if err != nil {
		return nil, 0, fmt.Errorf("convolve: rank %d local %s run: %w", rank, d.opts.local.Name(), err)
	}
	owned := res.Rows(mine.HaloAbove, mine.HaloAbove+mine.RowCount)

	frags, err := d.comm.Gather(ctx, owned)
	if err != nil {
		return nil, 0, fmt.Errorf("convolve: gather rows: %w", err)
	}
	if !coordinator {
		return nil, mine.RowCount, nil
	}

	buf := make([]byte, 0, rowsPerRank*size*rowBytes)
	for r, frag := range frags {
		if len(frag) != parts[r].RowCount*rowBytes {
			return nil, 0, fmt.Errorf("%w: rank %d returned %d bytes, want %d",
				ErrDimensionMismatch, r, len(frag), parts[r].RowCount*rowBytes)
		}
		buf = append(buf, frag...)
	}
	out, err := FromSamples(hdr.Width, rowsPerRank*size, hdr.Channels, buf)
	if err != nil {
		return nil, 0, err
	}
	return out, mine.RowCount, nil
}

// runHeaderMagic opens every run header ("CNV1").
const runHeaderMagic uint32 = 0x434e5631

// runHeader is the job description the coordinator broadcasts.
//
// Wire format, big-endian:
//
//	magic u32 | run id [20]byte | width u32 | height u32 | channels u32 |
//	kernel size u32 | size*size float32 weights (IEEE 754 bits)
type runHeader struct {
	RunID    ksuid.KSUID
	Width    int
	Height   int
	Channels int
	Kernel   *Kernel
}

const runHeaderFixedSize = 4 + len(ksuid.Nil) + 4*4

func (h runHeader) marshal() []byte {
	n := h.Kernel.size
	buf := make([]byte, 0, runHeaderFixedSize+4*n*n)
	buf = binary.BigEndian.AppendUint32(buf, runHeaderMagic)
	buf = append(buf, h.RunID.Bytes()...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(h.Width))
	buf = binary.BigEndian.AppendUint32(buf, uint32(h.Height))
	buf = binary.BigEndian.AppendUint32(buf, uint32(h.Channels))
	buf = binary.BigEndian.AppendUint32(buf, uint32(n))
	for _, w := range h.Kernel.weights {
		buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(w))
	}
	return buf
}

func unmarshalRunHeader(b []byte) (runHeader, error) {
	var h runHeader
	if len(b) < runHeaderFixedSize {
		return h, fmt.Errorf("%w: run header of %d bytes", ErrInvalidArgument, len(b))
	}
	if magic := binary.BigEndian.Uint32(b); magic != runHeaderMagic {
		return h, fmt.Errorf("%w: run header magic %#x", ErrInvalidArgument, magic)
	}
	b = b[4:]
	id, err := ksuid.FromBytes(b[:len(ksuid.Nil)])
	if err != nil {
		return h, fmt.Errorf("%w: run id: %w", ErrInvalidArgument, err)
	}
	h.RunID = id
	b = b[len(ksuid.Nil):]

	h.Width = int(binary.BigEndian.Uint32(b[0:]))
	h.Height = int(binary.BigEndian.Uint32(b[4:]))
	h.Channels = int(binary.BigEndian.Uint32(b[8:]))
	n := int(binary.BigEndian.Uint32(b[12:]))
	b = b[16:]
	if err := validateShape(h.Width, h.Height, h.Channels); err != nil {
		return h, err
	}
	if n <= 0 || n%2 == 0 || len(b) != 4*n*n {
		return h, fmt.Errorf("%w: run header kernel size %d with %d weight bytes", ErrInvalidArgument, n, len(b))
	}

	weights := make([]float32, n*n)
	for i := range weights {
		weights[i] = math.Float32frombits(binary.BigEndian.Uint32(b[4*i:]))
	}
	h.Kernel = &Kernel{weights: weights, size: n}
	return h, nil
}
