// Package sched runs filter tasks on a fixed pool of worker goroutines.
//
// Each filter instance owns one Task. Posting a task marks it ready; the
// scheduler guarantees a single active invocation per task, and a post that
// arrives while the task runs buys exactly one more run. Workers keep a FIFO
// run queue each, requeue at the tail and steal from the head of other
// queues when their own is empty.
//
// Tasks with MainThread affinity run on one goroutine locked to its OS
// thread, either the caller of RunMain or an internal one. Dedicated tasks
// get a goroutine of their own and may block.
//
// Usage:
//
//	s := sched.New(sched.Config{Workers: 4})
//	s.Start()
//	defer s.Stop()
//
//	t := s.NewTask("decoder", sched.AnyWorker, func() sched.Result {
//		if moreWork() {
//			return sched.Again
//		}
//		return sched.Idle
//	})
//	s.Post(t)
//	_ = s.WaitIdle(ctx)
package sched
