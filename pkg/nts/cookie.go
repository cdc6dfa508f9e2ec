package nts

import "sync"

// jarCapacity is how many cookies a client keeps on hand; servers are
// expected to supply one replacement per request plus one per placeholder.
const jarCapacity = 8

// CookieJar is a bounded FIFO pool of server-issued cookies. Each cookie
// is spent exactly once; the oldest is spent first so no cookie outlives
// the server's rotation window longer than necessary.
type CookieJar struct {
	mu      sync.Mutex
	cookies [][]byte
}

func NewCookieJar(cookies [][]byte) *CookieJar {
	jar := &CookieJar{}
	for _, c := range cookies {
		jar.Put(c)
	}
	return jar
}

// Put adds a fresh cookie, evicting the oldest when the jar is full.
func (j *CookieJar) Put(cookie []byte) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.cookies) >= jarCapacity {
		j.cookies = j.cookies[1:]
	}
	j.cookies = append(j.cookies, append([]byte{}, cookie...))
}

// Next removes and returns the oldest cookie.
func (j *CookieJar) Next() ([]byte, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.cookies) == 0 {
		return nil, ErrNoCookies
	}
	cookie := j.cookies[0]
	j.cookies = j.cookies[1:]
	return cookie, nil
}

func (j *CookieJar) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.cookies)
}
