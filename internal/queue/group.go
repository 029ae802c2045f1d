package queue

// ticketGroup is the ordered set of tickets waiting on one task id. It is
// only touched from the loop goroutine.
type ticketGroup struct {
	tickets []*Ticket
}

func newGroup(t ...*Ticket) *ticketGroup {
	return &ticketGroup{tickets: append([]*Ticket(nil), t...)}
}

func (g *ticketGroup) len() int {
	if g == nil {
		return 0
	}
	return len(g.tickets)
}

// absorb appends other's tickets after g's own.
func (g *ticketGroup) absorb(other *ticketGroup) {
	if other == nil || other == g {
		return
	}
	g.tickets = append(g.tickets, other.tickets...)
}

func (g *ticketGroup) queued() {
	for _, t := range g.tickets {
		t.queued()
	}
}

func (g *ticketGroup) started(total int) {
	for _, t := range g.tickets {
		t.started(total)
	}
}

func (g *ticketGroup) stopped() {
	for _, t := range g.tickets {
		t.stopped()
	}
}

// progress forwards to every member and returns the first member's snapshot.
func (g *ticketGroup) progress(current int) (Progress, bool) {
	if g == nil {
		return Progress{}, false
	}
	var (
		snap Progress
		ok   bool
	)
	for _, t := range g.tickets {
		p, err := t.reportProgress(current)
		if err == nil && !ok {
			snap, ok = p, true
		}
	}
	return snap, ok
}

func (g *ticketGroup) finish(result any) {
	for _, t := range g.tickets {
		t.finish(result)
	}
	g.tickets = nil
}

func (g *ticketGroup) fail(reason Reason) {
	for _, t := range g.tickets {
		t.fail(reason)
	}
	g.tickets = nil
}
