package protocol

// Records is a batch of byte records. Batching lets a connection hand a
// whole batch to writev() as net.Buffers.
type Records [][]byte

func (recs Records) TotalLen() (total int64) {
	for _, r := range recs {
		total += int64(len(r))
	}
	return
}
