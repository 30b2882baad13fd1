package task

import "sync/atomic"

func loadBool(v *int32) bool {
	return atomic.LoadInt32(v) != 0
}

func storeBool(v *int32, b bool) {
	var i int32
	if b {
		i = 1
	}
	atomic.StoreInt32(v, i)
}
