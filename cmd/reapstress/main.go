// reapstress hammers the reclamation primitives with one writer and
// many readers over a small table of shared objects.
//
// Usage:
//
//	reapstress [flags]
//
//	-m, --mode      protocol to stress: ebr, qsbr or gc (default ebr)
//	-t, --time      run duration in seconds (default 10)
//	-w, --workers   total worker count (default NumCPU)
//
// The writer repeatedly inserts, removes and destroys objects; the
// readers dereference whatever is published and verify the magic
// value. A reader observing a destroyed object is a reclamation bug
// and the run exits non-zero.
package main

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	flag "github.com/spf13/pflag"
	"golang.org/x/sys/cpu"

	"reap"
)

const (
	magicVal = 0x5a5a5a5a
	dsCount  = 4
)

var (
	mode     = flag.StringP("mode", "m", "ebr", "protocol to stress: ebr, qsbr or gc")
	nsec     = flag.UintP("time", "t", 10, "run duration in seconds")
	nworkers = flag.IntP("workers", "w", runtime.NumCPU(), "total worker count")
)

var (
	stop   atomic.Bool
	failed atomic.Bool
	magic  uint32 = magicVal
)

type slot struct {
	ptr     atomic.Pointer[uint32]
	visible atomic.Bool
	gcEpoch uint32
	_       cpu.CacheLinePad
}

var ds [dsCount]slot

func fail() {
	failed.Store(true)
	stop.Store(true)
}

func ebrStress(readers int) {
	e := reap.NewEBR()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		w := e.Register()
		defer w.Unregister()

		n := 0
		for !stop.Load() {
			n = (n + 1) & (dsCount - 1)
			obj := &ds[n]

			if obj.visible.Load() {
				obj.visible.Store(false)
				obj.gcEpoch = reap.Epochs + e.StagingEpoch()
			} else if obj.gcEpoch == 0 {
				obj.ptr.Store(&magic)
				obj.visible.Store(true)
			}

			epoch, _ := e.Sync()
			for i := range ds {
				if ds[i].gcEpoch == reap.Epochs+epoch {
					ds[i].ptr.Store(nil)
					ds[i].gcEpoch = 0
				}
			}
		}
	}()

	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := e.Register()
			defer w.Unregister()

			n := 0
			for !stop.Load() {
				n = (n + 1) & (dsCount - 1)
				w.Enter()
				if ds[n].visible.Load() {
					p := ds[n].ptr.Load()
					if p == nil || *p != magicVal {
						fail()
					}
				}
				w.Exit()
			}
		}()
	}

	wg.Wait()
	e.Destroy()
}

func qsbrStress(readers int) {
	q := reap.NewQSBR()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		w := q.Register()
		defer w.Unregister()

		n := 0
		for !stop.Load() {
			n = (n + 1) & (dsCount - 1)
			obj := &ds[n]

			if obj.visible.Load() {
				obj.visible.Store(false)
				target := q.Barrier()
				for !w.Sync(target) {
					if stop.Load() {
						return
					}
					runtime.Gosched()
				}
				obj.ptr.Store(nil)
			} else {
				obj.ptr.Store(&magic)
				obj.visible.Store(true)
			}
		}
	}()

	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := q.Register()
			defer w.Unregister()

			n := 0
			for !stop.Load() {
				n = (n + 1) & (dsCount - 1)
				if ds[n].visible.Load() {
					p := ds[n].ptr.Load()
					if p == nil || *p != magicVal {
						fail()
					}
				}
				w.Checkpoint()
			}
		}()
	}

	wg.Wait()
	q.Destroy()
}

type gcObj struct {
	val   atomic.Uint32
	entry reap.Entry
}

type gcSlot struct {
	obj atomic.Pointer[gcObj]
	_   cpu.CacheLinePad
}

func gcStress(readers int) {
	var (
		table     [dsCount]gcSlot
		retired   atomic.Uint64
		destroyed atomic.Uint64
		wg        sync.WaitGroup
	)

	var gc *reap.GC
	gc = reap.NewGC(unsafe.Offsetof(gcObj{}.entry), func(head *reap.Entry, _ any) {
		for e := head; e != nil; {
			next := e.Next()
			o := (*gcObj)(gc.Object(e))
			o.val.Store(0xdeadbeef)
			o.entry = reap.Entry{}
			destroyed.Add(1)
			e = next
		}
	}, nil)

	wg.Add(1)
	go func() {
		defer wg.Done()
		w := gc.Register()
		defer w.Unregister()

		n := 0
		for !stop.Load() {
			n = (n + 1) & (dsCount - 1)
			slot := &table[n]

			if o := slot.obj.Load(); o != nil {
				slot.obj.Store(nil)
				gc.Limbo(unsafe.Pointer(o))
				retired.Add(1)
			} else {
				o := &gcObj{}
				o.val.Store(magicVal)
				slot.obj.Store(o)
			}
			gc.Cycle()
		}
	}()

	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := gc.Register()
			defer w.Unregister()

			n := 0
			for !stop.Load() {
				n = (n + 1) & (dsCount - 1)
				w.Enter()
				if o := table[n].obj.Load(); o != nil {
					if o.val.Load() != magicVal {
						fail()
					}
				}
				w.Exit()
			}
		}()
	}

	wg.Wait()

	for i := range table {
		if o := table[i].obj.Load(); o != nil {
			table[i].obj.Store(nil)
			gc.Limbo(unsafe.Pointer(o))
			retired.Add(1)
		}
	}
	gc.Full(1)

	if retired.Load() != destroyed.Load() {
		fmt.Fprintf(os.Stderr, "reapstress: FAILED: leak: retired %d, destroyed %d\n",
			retired.Load(), destroyed.Load())
		os.Exit(1)
	}
	gc.Destroy()
}

func main() {
	flag.Parse()

	readers := *nworkers - 1
	if readers < 1 {
		readers = 1
	}

	fmt.Printf("stress test: mode=%s workers=%d time=%ds\n",
		*mode, readers+1, *nsec)

	timer := time.AfterFunc(time.Duration(*nsec)*time.Second, func() {
		stop.Store(true)
	})
	defer timer.Stop()

	switch *mode {
	case "ebr":
		ebrStress(readers)
	case "qsbr":
		qsbrStress(readers)
	case "gc":
		gcStress(readers)
	default:
		fmt.Fprintf(os.Stderr, "reapstress: unknown mode %q\n", *mode)
		os.Exit(2)
	}

	if failed.Load() {
		fmt.Fprintln(os.Stderr, "reapstress: FAILED: reader saw destroyed object")
		os.Exit(1)
	}
	fmt.Println("ok")
}
