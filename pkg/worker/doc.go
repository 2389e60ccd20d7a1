// Package worker drives durable board runs from a task queue.
//
// Producers enqueue start-run, provide-input and resume tasks; any number of
// workers sharing the queue and the engine's stores apply them. A run that
// stops WAITING is continued by whichever worker picks up the matching
// provide-input task.
//
//	w := worker.New(eng, queue)
//	id, err := w.EnqueueStart(ctx, "summarize", api.InputValues{"text": doc})
//	...
//	go w.Run(ctx, 0)
package worker
