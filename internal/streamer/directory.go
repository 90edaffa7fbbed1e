package streamer

import (
	"sort"

	"github.com/skypro1111/slim-audio-service/internal/conn"
)

// directory maps connections to their sessions. It is not safe for concurrent
// use; the Streamer lock guards every directory.
type directory[S any] struct {
	sessions map[conn.ID]S
}

func newDirectory[S any]() *directory[S] {
	return &directory[S]{sessions: make(map[conn.ID]S)}
}

func (d *directory[S]) get(id conn.ID) (S, bool) {
	s, ok := d.sessions[id]
	return s, ok
}

// add registers the session built by create unless one already exists for
// id, in which case the existing session is returned and create is not called.
func (d *directory[S]) add(id conn.ID, create func() S) (S, bool) {
	if s, ok := d.sessions[id]; ok {
		return s, false
	}
	s := create()
	d.sessions[id] = s
	return s, true
}

func (d *directory[S]) remove(id conn.ID) (S, bool) {
	s, ok := d.sessions[id]
	if ok {
		delete(d.sessions, id)
	}
	return s, ok
}

func (d *directory[S]) len() int {
	return len(d.sessions)
}

// each visits sessions in connection order
func (d *directory[S]) each(fn func(id conn.ID, s S)) {
	ids := make([]conn.ID, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		fn(id, d.sessions[id])
	}
}
