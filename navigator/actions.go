package navigator

import (
	"context"
	"fmt"
	"time"

	"github.com/gleanhq/glean/browser"
	"github.com/gleanhq/glean/models"
)

// actionTimeout is the per-action deadline.
const actionTimeout = 10 * time.Second

// runActions executes the ordered page steps. A failing action aborts
// the attempt with a description of which step broke and how many ran.
// Cancellation is observed between steps, never mid-step.
func (n *Navigator) runActions(ctx context.Context, sess browser.Session, actions []models.Action) *models.EngineError {
	for i, action := range actions {
		if cerr := ctx.Err(); cerr != nil {
			return classifyCtx(cerr)
		}
		if err := n.runAction(ctx, sess, action); err != nil {
			return classifyNav(err,
				fmt.Sprintf("action %d (%s) failed after %d completed", i, action.Type, i))
		}
	}
	return nil
}

// runAction dispatches a single action under its own deadline.
func (n *Navigator) runAction(ctx context.Context, sess browser.Session, action models.Action) error {
	actx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()

	switch action.Type {
	case "wait":
		return sess.WaitSelector(actx, action.Selector, actionTimeout)
	case "click":
		return sess.Click(actx, action.Selector)
	case "scroll":
		return n.scroll(actx, sess, action.Pixels)
	case "evaluate":
		_, err := sess.Eval(actx, action.Script)
		return err
	default:
		return fmt.Errorf("unknown action type: %s", action.Type)
	}
}

// scroll moves the page down by the given distance, or to the bottom
// when the distance is zero. The pause gives lazy-loaded content a
// chance to trigger.
func (n *Navigator) scroll(ctx context.Context, sess browser.Session, pixels int) error {
	js := fmt.Sprintf(`() => window.scrollBy(0, %d)`, pixels)
	if pixels == 0 {
		js = `() => window.scrollTo(0, document.body.scrollHeight)`
	}
	if _, err := sess.Eval(ctx, js); err != nil {
		return err
	}
	return n.sleep(ctx, 100*time.Millisecond)
}
