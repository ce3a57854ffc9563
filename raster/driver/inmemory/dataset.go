package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	rasterdriver "github.com/distribution/raster/raster/driver"
)

type blockKey struct {
	x, y int
}

type bandStore struct {
	blocks   map[blockKey]storedBlock
	decodes  map[blockKey]int
	nodata   *float64
	palette  bool
	dataType rasterdriver.DataType
}

// resource is one stored raster shared by every handle opened on it.
type resource struct {
	mu           sync.RWMutex
	description  string
	width        int
	height       int
	blockWidth   int
	blockHeight  int
	interleaving rasterdriver.Interleaving
	alpha        int
	bands        []*bandStore
	overviews    []*resource
	mask         *resource
	files        []string

	decodeCount   int64
	encodeCount   int64
	rasterIOCount int64
}

func newResource(description string, spec rasterdriver.CreateSpec) *resource {
	r := &resource{
		description:  description,
		width:        spec.Width,
		height:       spec.Height,
		blockWidth:   spec.BlockWidth,
		blockHeight:  spec.BlockHeight,
		interleaving: spec.Interleaving,
		alpha:        spec.AlphaBand,
		files:        []string{description},
	}
	for i := 0; i < spec.Bands; i++ {
		bs := &bandStore{
			blocks:   make(map[blockKey]storedBlock),
			decodes:  make(map[blockKey]int),
			dataType: spec.DataType,
		}
		if spec.NoData != nil && i+1 != spec.AlphaBand {
			v := *spec.NoData
			bs.nodata = &v
		}
		r.bands = append(r.bands, bs)
	}
	return r
}

func (r *resource) blockBytes(dt rasterdriver.DataType) int {
	return r.blockWidth * r.blockHeight * dt.Size()
}

func (r *resource) stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Decodes: r.decodeCount, Encodes: r.encodeCount, RasterIOs: r.rasterIOCount}
}

func (r *resource) blockDecodes(band, x, y int) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if band < 0 || band >= len(r.bands) {
		return 0
	}
	return r.bands[band].decodes[blockKey{x, y}]
}

func (r *resource) corrupt(band, x, y int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if band < 0 || band >= len(r.bands) {
		return fmt.Errorf("inmemory: band %d out of range", band)
	}
	sb, ok := r.bands[band].blocks[blockKey{x, y}]
	if !ok || len(sb.payload) == 0 {
		return fmt.Errorf("inmemory: block (%d, %d) of band %d is not stored", x, y, band)
	}
	payload := append([]byte(nil), sb.payload...)
	payload[len(payload)/2] ^= 0xff
	sb.payload = payload
	r.bands[band].blocks[blockKey{x, y}] = sb
	return nil
}

// dataset is one open handle on a resource.
type dataset struct {
	d      *driver
	r      *resource
	access rasterdriver.Access
}

func newDataset(d *driver, r *resource, access rasterdriver.Access) *dataset {
	return &dataset{d: d, r: r, access: access}
}

func (ds *dataset) Description() string { return ds.r.description }

func (ds *dataset) RasterSize() (int, int) { return ds.r.width, ds.r.height }

func (ds *dataset) BandCount() int { return len(ds.r.bands) }

func (ds *dataset) Band(i int) rasterdriver.Band {
	if i < 0 || i >= len(ds.r.bands) {
		return nil
	}
	return &band{ds: ds, index: i}
}

func (ds *dataset) Interleaving() rasterdriver.Interleaving { return ds.r.interleaving }

func (ds *dataset) Overviews() []rasterdriver.Dataset {
	ovs := make([]rasterdriver.Dataset, 0, len(ds.r.overviews))
	for _, ov := range ds.r.overviews {
		ovs = append(ovs, newDataset(ds.d, ov, ds.access))
	}
	return ovs
}

func (ds *dataset) FileList() []string {
	return append([]string(nil), ds.r.files...)
}

func (ds *dataset) AlphaBand() int { return ds.r.alpha }

func (ds *dataset) MaskDataset(ctx context.Context) (rasterdriver.Dataset, error) {
	ds.r.mu.RLock()
	m := ds.r.mask
	ds.r.mu.RUnlock()
	if m == nil {
		return nil, nil
	}
	return newDataset(ds.d, m, rasterdriver.ReadOnly), nil
}

func (ds *dataset) Close() error { return nil }

type band struct {
	ds    *dataset
	index int
}

func (b *band) store() *bandStore { return b.ds.r.bands[b.index] }

func (b *band) DataType() rasterdriver.DataType { return b.store().dataType }

func (b *band) BlockSize() (int, int) { return b.ds.r.blockWidth, b.ds.r.blockHeight }

func (b *band) NoData() (float64, bool) {
	if nd := b.store().nodata; nd != nil {
		return *nd, true
	}
	return 0, false
}

func (b *band) HasPalette() bool {
	b.ds.r.mu.RLock()
	defer b.ds.r.mu.RUnlock()
	return b.store().palette
}

func (b *band) DecodeBlock(ctx context.Context, x, y int, buf []byte) error {
	if err := b.ds.d.fault(b.ds.r.description, OpDecode, b.index, x, y); err != nil {
		return err
	}

	r := b.ds.r
	r.mu.Lock()
	r.decodeCount++
	bs := b.store()
	bs.decodes[blockKey{x, y}]++
	sb, ok := bs.blocks[blockKey{x, y}]
	r.mu.Unlock()

	return b.load(sb, ok, buf[:r.blockBytes(bs.dataType)])
}

func (b *band) load(sb storedBlock, ok bool, buf []byte) error {
	if !ok {
		nd, _ := b.NoData()
		rasterdriver.FillValue(buf, b.DataType(), b.DataType().Size(), len(buf)/b.DataType().Size(), nd)
		return nil
	}
	return b.ds.d.codec.unpack(sb, buf)
}

func (b *band) EncodeBlock(ctx context.Context, x, y int, buf []byte) error {
	if b.ds.access != rasterdriver.Update {
		return errors.New("resource opened read-only")
	}
	if err := b.ds.d.fault(b.ds.r.description, OpEncode, b.index, x, y); err != nil {
		return err
	}

	r := b.ds.r
	sb, err := b.ds.d.codec.pack(buf[:r.blockBytes(b.DataType())])
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.encodeCount++
	b.store().blocks[blockKey{x, y}] = sb
	return nil
}

// CanRasterIO accepts unresampled transfers when the driver was built
// with its windowed path enabled.
func (b *band) CanRasterIO(req *rasterdriver.IORequest) bool {
	return b.ds.d.rasterIO && req.BufWidth == req.Width && req.BufHeight == req.Height
}

// RasterIO moves a window straight between the stored blocks and the
// caller's buffer.
func (b *band) RasterIO(ctx context.Context, req *rasterdriver.IORequest) error {
	if !b.CanRasterIO(req) {
		return rasterdriver.ErrUnsupportedMethod{DriverName: driverName}
	}
	if req.Direction == rasterdriver.Write && b.ds.access != rasterdriver.Update {
		return errors.New("resource opened read-only")
	}

	r := b.ds.r
	dt := b.DataType()
	size := dt.Size()
	bw, bh := r.blockWidth, r.blockHeight
	block := make([]byte, r.blockBytes(dt))

	r.mu.Lock()
	r.rasterIOCount++
	r.mu.Unlock()

	for by := req.Y / bh; by <= (req.Y+req.Height-1)/bh; by++ {
		for bx := req.X / bw; bx <= (req.X+req.Width-1)/bw; bx++ {
			r.mu.RLock()
			sb, ok := b.store().blocks[blockKey{bx, by}]
			r.mu.RUnlock()
			if err := b.load(sb, ok, block); err != nil {
				return err
			}

			x0, x1 := max(req.X, bx*bw), min(req.X+req.Width, (bx+1)*bw)
			y0, y1 := max(req.Y, by*bh), min(req.Y+req.Height, (by+1)*bh)
			for y := y0; y < y1; y++ {
				blockOff := ((y-by*bh)*bw + (x0 - bx*bw)) * size
				bufOff := (y-req.Y)*req.LineSpace + (x0-req.X)*req.PixelSpace
				if req.Direction == rasterdriver.Read {
					rasterdriver.CopyWords(block[blockOff:], dt, size, req.Buf[bufOff:], req.BufType, req.PixelSpace, x1-x0)
				} else {
					rasterdriver.CopyWords(req.Buf[bufOff:], req.BufType, req.PixelSpace, block[blockOff:], dt, size, x1-x0)
				}
			}

			if req.Direction == rasterdriver.Write {
				sb, err := b.ds.d.codec.pack(block)
				if err != nil {
					return err
				}
				r.mu.Lock()
				b.store().blocks[blockKey{bx, by}] = sb
				r.mu.Unlock()
			}
		}
	}
	return nil
}
