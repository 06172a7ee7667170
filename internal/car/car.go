// Package car implements component F: the CAR v1 codec used for
// repository export/import and for the diff payload carried in each
// firehose frame.
package car

import (
	"context"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	carv1 "github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"

	"github.com/primal-host/solo-pds/internal/codec"
	"github.com/primal-host/solo-pds/internal/pdserr"
)

// NextFunc yields the next (cid, bytes) pair from a block source; ok
// is false once exhausted. Implementations stream from wherever the
// blocks live (an in-memory map, a Postgres cursor) so WriteCAR never
// has to hold a whole repository in memory.
type NextFunc func(ctx context.Context) (c cid.Cid, data []byte, ok bool, err error)

// WriteCAR streams a CAR v1 archive: a header naming roots, followed
// by one length-prefixed (cid || bytes) frame per block from next.
func WriteCAR(ctx context.Context, w io.Writer, roots []cid.Cid, next NextFunc) error {
	h := &carv1.CarHeader{Roots: roots, Version: 1}
	if err := carv1.WriteHeader(h, w); err != nil {
		return pdserr.Wrap("car.WriteCAR", pdserr.KindTransient, fmt.Errorf("write header: %w", err))
	}
	for {
		c, data, ok, err := next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := carutil.LdWrite(w, c.Bytes(), data); err != nil {
			return pdserr.Wrap("car.WriteCAR", pdserr.KindTransient, fmt.Errorf("write block %s: %w", c, err))
		}
	}
}

// SliceSource adapts an in-memory block set to a NextFunc, for the
// common case of exporting a diff that was already fully materialized
// during a commit (internal/repo's Tracking blockstore output).
func SliceSource(blocks map[string][]byte) NextFunc {
	keys := make([]string, 0, len(blocks))
	for k := range blocks {
		keys = append(keys, k)
	}
	i := 0
	return func(_ context.Context) (cid.Cid, []byte, bool, error) {
		if i >= len(keys) {
			return cid.Undef, nil, false, nil
		}
		k := keys[i]
		i++
		c, err := cid.Cast([]byte(k))
		if err != nil {
			return cid.Undef, nil, false, pdserr.Wrap("car.SliceSource", pdserr.KindIntegrity, err)
		}
		return c, blocks[k], true, nil
	}
}

// Reader pulls validated blocks out of a parsed CAR stream.
type Reader struct {
	cr *carv1.CarReader
}

// Roots returns the CAR header's declared roots.
func (r *Reader) Roots() []cid.Cid { return r.cr.Header.Roots }

// Next returns the next block, verifying cid == CIDForBytes(data)
// before returning it. The first block that fails this check aborts
// the read with a CidMismatch IntegrityError.
func (r *Reader) Next(_ context.Context) (cid.Cid, []byte, bool, error) {
	blk, err := r.cr.Next()
	if err == io.EOF {
		return cid.Undef, nil, false, nil
	}
	if err != nil {
		return cid.Undef, nil, false, pdserr.Wrap("car.Reader.Next", pdserr.KindTransient, err)
	}
	if verr := codec.VerifyCID(blk.Cid(), blk.RawData()); verr != nil {
		return cid.Undef, nil, false, pdserr.WithCode("car.Reader.Next", pdserr.KindIntegrity, "CidMismatch", verr.Error())
	}
	return blk.Cid(), blk.RawData(), true, nil
}

// ReadCAR parses a CAR v1 stream's header and returns a Reader that
// yields its blocks one at a time, each re-hashed before being
// handed back.
func ReadCAR(r io.Reader) (*Reader, error) {
	cr, err := carv1.NewCarReader(r)
	if err != nil {
		return nil, pdserr.Wrap("car.ReadCAR", pdserr.KindInvalidInput, err)
	}
	if cr.Header.Version != 1 {
		return nil, pdserr.New("car.ReadCAR", pdserr.KindInvalidInput, fmt.Sprintf("unsupported car version %d", cr.Header.Version))
	}
	return &Reader{cr: cr}, nil
}

// ReadAll drains a CAR stream fully, returning its roots and every
// verified block. Used by the import CLI and by tests; production
// import/export paths prefer the streaming Reader directly.
func ReadAll(ctx context.Context, r io.Reader) ([]cid.Cid, map[string][]byte, error) {
	cr, err := ReadCAR(r)
	if err != nil {
		return nil, nil, err
	}
	out := map[string][]byte{}
	for {
		c, data, ok, err := cr.Next(ctx)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			break
		}
		out[c.KeyString()] = data
	}
	return cr.Roots(), out, nil
}
