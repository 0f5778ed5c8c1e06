package ring

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExclusiveIsMutuallyExclusive(t *testing.T) {
	var r Ring
	var active int32
	var wg sync.WaitGroup
	var badOverlap bool

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.Exclusive(func() {
					if active != 0 {
						badOverlap = true
					}
					active++
					time.Sleep(time.Microsecond)
					active--
				})
			}
		}()
	}
	wg.Wait()
	require.False(t, badOverlap, "two Exclusive sections ran concurrently")
}

func TestSharedAllowsConcurrency(t *testing.T) {
	var r Ring
	var wg sync.WaitGroup
	concurrent := make(chan struct{}, 8)
	sawOverlap := false
	var mu sync.Mutex

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Shared(func() {
				concurrent <- struct{}{}
				time.Sleep(time.Millisecond)
				if len(concurrent) > 1 {
					mu.Lock()
					sawOverlap = true
					mu.Unlock()
				}
				<-concurrent
			})
		}()
	}
	wg.Wait()
	require.True(t, sawOverlap, "Shared sections should be able to run concurrently")
}

func TestExclusiveExcludesShared(t *testing.T) {
	var r Ring
	var active int32
	var wg sync.WaitGroup
	var badOverlap bool

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				r.Exclusive(func() {
					if active != 0 {
						badOverlap = true
					}
					active += 100
					time.Sleep(time.Microsecond)
					active -= 100
				})
			}
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				r.Shared(func() {
					if active >= 100 {
						badOverlap = true
					}
					active++
					time.Sleep(time.Microsecond)
					active--
				})
			}
		}()
	}
	wg.Wait()
	require.False(t, badOverlap, "an Exclusive section overlapped a Shared one")
}
