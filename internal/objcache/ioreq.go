package objcache

import (
	"objcache/internal/logstore"
	"objcache/internal/util"
)

type potMember struct {
	frame		*Frame
	allocCount	uint32
	epoch		uint64
	gen			uint64
}

// IORequest tracks one transfer between a frame (or a pot of nodes) and the log.
type IORequest struct {
	ticket		int
	pool		*reqPool

	frame		*Frame // the page, or the node being fetched
	buf			*Frame // pot buffer for node transfers
	members		[]potMember
	loc			logstore.Loc
	allocCount	uint32
	epoch		uint64
	gen			uint64

	done		bool
	err			error
}

type reqPool struct {
	name		string
	tickets		util.TicketQueue[IORequest]
	waitq		WaitQueue
}

func createReqPool(name string, size int) reqPool {
	return reqPool{
		name: 		name,
		tickets: 	util.CreateTicketQueue[IORequest](size),
	}
}

func (c *Cache) tryAcquireReq(p *reqPool) (*IORequest, bool) {
	t, ok := p.tickets.TryAcq()
	if !ok { return nil, false }
	req := p.tickets.Get(t)
	req.ticket = t
	req.pool = p
	return req, true
}

// Waits for a free request. May suspend.
func (c *Cache) acquireReq(p *reqPool) *IORequest {
	for {
		if req, ok := c.tryAcquireReq(p); ok { return req }
		c.log.Debug("acquireReq: waiting", "pool", p.name)
		c.await(&p.waitq)
	}
}

func (c *Cache) releaseReq(req *IORequest) {
	p := req.pool
	p.tickets.Rel(req.ticket)
	p.waitq.wakeAll()
}
