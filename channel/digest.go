package channel

import (
	"github.com/cespare/xxhash"
	"github.com/drpcorg/liveobjects"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Digest hashes the exported states of a replica. Replicas that have
// converged have equal digests.
func Digest(o *liveobjects.Objects) (uint64, error) {
	h := xxhash.New()
	enc := msgpack.NewEncoder(h)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(o.States()); err != nil {
		return 0, errors.Wrap(err, "channel: digest")
	}
	return h.Sum64(), nil
}
