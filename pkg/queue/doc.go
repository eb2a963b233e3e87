// Package queue is the flowq client library: explicitly constructed
// Queue, Worker and FlowProducer handles over a Backend.
//
// A Backend is either in-process ([NewLocalBackend] over a store) or
// remote (pkg/client over HTTP, pkg/workerclient over Connect RPC for
// workers only). Every handle has its own WaitUntilReady and Close.
//
//	q, _ := queue.New("emails", backend)
//	q.Add(ctx, "welcome", map[string]string{"to": "a@example.com"}, queue.JobOptions{})
//
//	w := queue.NewWorker("emails", backend, func(ctx context.Context, job *queue.Job) (any, error) {
//		return send(job.Data)
//	}, queue.WithConcurrency(4))
//	go w.Run(ctx)
package queue
