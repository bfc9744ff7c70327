package connmgr

import (
    "sync"

    "pixjail/pkg/imaging"
)

// pending is a completion slot for one in-flight request. Whichever
// resolution lands first wins; late resolutions are ignored, so a stale
// reply can never reach a caller.
type pending struct {
    done chan struct{}
    once sync.Once
    img  *imaging.Image
    fail *imaging.Failure
}

func newPending() *pending {
    return &pending{done: make(chan struct{})}
}

func (p *pending) resolve(img *imaging.Image, fail *imaging.Failure) {
    p.once.Do(func() {
        p.img = img
        p.fail = fail
        close(p.done)
    })
}
