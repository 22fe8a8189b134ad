package protocol

import (
	"strings"

	"github.com/pkg/errors"
)

var ErrBadSyncCursor = errors.New("protocol: bad sync channel serial")

// SyncCursor is the projection of an OBJECT_SYNC channel serial.
type SyncCursor struct {
	SequenceID string
	Cursor     string
}

func ParseSyncCursor(channelSerial string) (c SyncCursor, err error) {
	seq, cur, ok := strings.Cut(channelSerial, ":")
	if !ok || seq == "" {
		return c, errors.Wrapf(ErrBadSyncCursor, "%q", channelSerial)
	}
	return SyncCursor{SequenceID: seq, Cursor: cur}, nil
}

func (c SyncCursor) IsEndOfSequence() bool {
	return c.Cursor == ""
}

func (c SyncCursor) String() string {
	return c.SequenceID + ":" + c.Cursor
}
