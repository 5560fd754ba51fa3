package monitor

import (
	"context"

	"bugwatch/internal/bugzilla"
	"bugwatch/internal/format"
	"bugwatch/internal/snapshot"
	logx "bugwatch/pkg/logx"
)

// Digest posts the full bug list (InitialLookback window, or the pinned start)
// as one message, split into chunks when it exceeds the chat text limit. It
// never reads or writes the snapshot. It returns the number of bugs listed.
func (c *Controller) Digest(ctx context.Context) (int, error) {
	if !c.begin() {
		return 0, ErrCycleRunning
	}
	defer c.end()

	since := c.opts.Since
	if since.IsZero() {
		since = c.opts.Now().Add(-c.opts.InitialLookback)
	}
	bugs, err := c.src.Fetch(ctx, bugzilla.Query{Since: since})
	if err != nil {
		c.log.Warn("digest fetch failed", logx.Err(err))
		return 0, err
	}
	if len(bugs) == 0 {
		c.log.Info("digest: no bugs to list", logx.Time("since", since))
		return 0, nil
	}

	p := c.fmt.RenderDigest(bugs)
	chunks := format.Split(p.Text, c.opts.ChunkLimit)
	for i, chunk := range chunks {
		if err := c.disp.Send(ctx, format.Payload{Text: chunk}); err != nil {
			c.log.Warn("digest delivery failed",
				logx.Int("chunk", i+1),
				logx.Int("chunks", len(chunks)),
				logx.Err(err),
			)
			return len(bugs), err
		}
	}
	c.log.Info("digest sent", logx.Int("bugs", len(bugs)), logx.Int("chunks", len(chunks)))
	return len(bugs), nil
}

// Reset replaces the stored snapshot with an empty one. The next cycle then
// behaves like a first run.
func (c *Controller) Reset(ctx context.Context) error {
	if !c.begin() {
		return ErrCycleRunning
	}
	defer c.end()

	unlock, err := c.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := c.store.Save(ctx, snapshot.State{Bugs: snapshot.Snapshot{}}); err != nil {
		return err
	}
	c.log.Info("snapshot reset")
	return nil
}
