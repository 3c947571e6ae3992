// Package naming builds the queue/crashes/hangs filename and descriptor
// grammar described in spec.md §6; it does not parse names back.
package naming

import "fmt"

// Descriptor carries the originating-operation metadata embedded in every
// persisted filename.
type Descriptor struct {
	// SyncPeer/Src are mutually exclusive origin forms: either the input
	// arrived from a sync peer, or it was derived from one (or two, for
	// splicing) prior queue entries.
	SyncPeer string
	Src      uint64
	SrcB     uint64
	HasSrcB  bool

	TimeMS int64
	Op     string
	Pos    int64
	HasPos bool
	Val    int64
	ValBE  bool
	HasVal bool
	Rep    int64
	HasRep bool

	NewCov      bool
	NewPartition bool
}

// String renders the descriptor grammar:
//
//	(sync:<peer>,src:NNNNNN) | (src:NNNNNN[+MMMMMM],time:T,op:<stage>[,pos:P[,val:[be:]±V] | ,rep:R])
//
// followed optionally by ",+cov" or "+partition".
func (d Descriptor) String() string {
	var body string

	if d.SyncPeer != "" {
		body = fmt.Sprintf("sync:%s,src:%06d", d.SyncPeer, d.Src)
	} else {
		src := fmt.Sprintf("src:%06d", d.Src)
		if d.HasSrcB {
			src = fmt.Sprintf("src:%06d+%06d", d.Src, d.SrcB)
		}

		body = fmt.Sprintf("%s,time:%d,op:%s", src, d.TimeMS, d.Op)

		if d.HasPos {
			body += fmt.Sprintf(",pos:%d", d.Pos)

			switch {
			case d.HasVal && d.ValBE:
				body += fmt.Sprintf(",val:be:%+d", d.Val)
			case d.HasVal:
				body += fmt.Sprintf(",val:%+d", d.Val)
			}
		} else if d.HasRep {
			body += fmt.Sprintf(",rep:%d", d.Rep)
		}
	}

	if d.NewCov {
		body += ",+cov"
	} else if d.NewPartition {
		body += ",+partition"
	}

	return body
}

// QueueNameNCD builds the queue filename used when the EdgeIndex (NCD)
// queue path is active:
//
//	id:NNNNNN,edge_num:E,edge_freq:R,cksum:CCCCCC,entry:X,<descriptor>
func QueueNameNCD(id uint64, edgeNum uint32, bucket uint8, cksum uint64, slot int, d Descriptor) string {
	return fmt.Sprintf("id:%06d,edge_num:%d,edge_freq:%d,cksum:%06d,entry:%d,%s",
		id, edgeNum, bucket, cksum, slot, d)
}

// QueueNamePlain builds the queue filename used for plain (non-NCD)
// queueing:
//
//	id:NNNNNN,cksum:CCCCCCCCCCCCCCCCCCCC,<descriptor>
func QueueNamePlain(id uint64, cksum uint64, d Descriptor) string {
	return fmt.Sprintf("id:%06d,cksum:%020d,%s", id, cksum, d)
}

// CrashName builds a crashes/ filename: id:NNNNNN,sig:SS,<descriptor>
func CrashName(id uint64, signal int, d Descriptor) string {
	return fmt.Sprintf("id:%06d,sig:%02d,%s", id, signal, d)
}

// HangName builds a hangs/ filename: id:NNNNNN,<descriptor>
func HangName(id uint64, d Descriptor) string {
	return fmt.Sprintf("id:%06d,%s", id, d)
}

// WithUpdate inserts ",updated:<msSinceStart>" before ",op:" in an existing
// filename, per the in-place swap rule in §6. If the filename has no
// ",op:" segment (e.g. a sync-origin name), the update segment is
// appended at the end instead.
func WithUpdate(name string, msSinceStart int64) string {
	marker := ",op:"

	for i := 0; i+len(marker) <= len(name); i++ {
		if name[i:i+len(marker)] == marker {
			return name[:i] + fmt.Sprintf(",updated:%d", msSinceStart) + name[i:]
		}
	}

	return name + fmt.Sprintf(",updated:%d", msSinceStart)
}
