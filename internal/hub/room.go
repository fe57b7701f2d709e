package hub

// room is the set of live connections of one auction. It is guarded by the
// hub's lock.
type room struct {
	auctionID string
	conns     map[*conn]struct{}
}

func newRoom(auctionID string) *room {
	return &room{auctionID: auctionID, conns: make(map[*conn]struct{})}
}

func (r *room) add(cn *conn) {
	r.conns[cn] = struct{}{}
}

func (r *room) remove(cn *conn) bool {
	if _, ok := r.conns[cn]; !ok {
		return false
	}
	delete(r.conns, cn)
	return true
}

func (r *room) empty() bool {
	return len(r.conns) == 0
}

func (r *room) size() int {
	return len(r.conns)
}

func (r *room) members() []*conn {
	out := make([]*conn, 0, len(r.conns))
	for cn := range r.conns {
		out = append(out, cn)
	}
	return out
}
