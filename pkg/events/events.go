// Package events publishes process activity to NATS so downstream services
// can react to transitions and execute step actions out of process.
//
// Subject mapping:
// - transitions: <prefix>.transitions.<workflowID>
// - actions:     <prefix>.actions.<workflowID> (queue group: same subject)
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fluxorio/stepflow/pkg/process"
)

// Config configures the NATS-backed publisher.
type Config struct {
	// URL is the NATS server URL, e.g. "nats://127.0.0.1:4222".
	URL string

	// Prefix is prepended to all subjects. Default: "stepflow".
	Prefix string

	// Name is an optional NATS connection name.
	Name string

	// Logger receives delivery failures from the async listener path.
	Logger process.Logger
}

// ActionRequest is the wire form of a step-action command. Workers consume
// these from the actions subject and perform the actual work.
type ActionRequest struct {
	StateID     string         `json:"stateId"`
	WorkflowID  string         `json:"workflowId"`
	StepID      string         `json:"stepId"`
	StepName    string         `json:"stepName"`
	SubjectType string         `json:"subjectType"`
	SubjectID   string         `json:"subjectId"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Publisher fans process activity out over NATS. It doubles as a
// process.ActionRunner that hands action steps to remote workers.
type Publisher struct {
	nc     *nats.Conn
	owned  bool
	prefix string
	logger process.Logger
}

// Connect dials NATS and returns a publisher that owns the connection.
func Connect(cfg Config) (*Publisher, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, func(o *nats.Options) error {
		if cfg.Name != "" {
			o.Name = cfg.Name
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	p := NewPublisher(nc, cfg)
	p.owned = true
	return p, nil
}

// NewPublisher wraps an existing connection. The caller keeps ownership of nc.
func NewPublisher(nc *nats.Conn, cfg Config) *Publisher {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "stepflow"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = process.NewDefaultLogger()
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger}
}

// Close drains in-flight messages and closes the connection when owned.
func (p *Publisher) Close() error {
	if !p.owned {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return err
	}
	p.nc.Close()
	return nil
}

// PublishTransition emits a committed transition on the workflow's subject.
func (p *Publisher) PublishTransition(ev process.TransitionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode transition event: %w", err)
	}
	if err := p.nc.Publish(p.subjectTransitions(ev.WorkflowID), data); err != nil {
		return fmt.Errorf("failed to publish transition event: %w", err)
	}
	return nil
}

// Listener adapts the publisher to the manager's listener hook. Publish
// failures are logged, not surfaced, since listeners run after commit.
func (p *Publisher) Listener() process.TransitionListener {
	return func(ev process.TransitionEvent) {
		if err := p.PublishTransition(ev); err != nil {
			p.logger.Errorf("transition publish failed for state %s: %v", ev.StateID, err)
		}
	}
}

// RunStepActions implements process.ActionRunner by handing the action step
// to remote workers over NATS.
func (p *Publisher) RunStepActions(ctx context.Context, step *process.Step, state *process.ProcessState, subject process.Subject) error {
	if !step.IsAction {
		return nil
	}
	req := ActionRequest{
		StateID:    state.ID,
		WorkflowID: state.WorkflowID,
		StepID:     step.ID,
		StepName:   step.Name,
		Data:       state.Data,
		Timestamp:  time.Now().UTC(),
	}
	if subject != nil {
		req.SubjectType = subject.SubjectType()
		req.SubjectID = subject.SubjectID()
	} else {
		req.SubjectType = state.SubjectType
		req.SubjectID = state.SubjectID
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode action request: %w", err)
	}
	if err := p.nc.Publish(p.subjectActions(state.WorkflowID), data); err != nil {
		return fmt.Errorf("failed to publish action request: %w", err)
	}
	return p.nc.FlushTimeout(2 * time.Second)
}

// SubscribeTransitions delivers every committed transition for a workflow to
// handler. Use "*" to observe all workflows.
func (p *Publisher) SubscribeTransitions(workflowID string, handler func(ev process.TransitionEvent)) (*nats.Subscription, error) {
	return p.nc.Subscribe(p.subjectTransitions(workflowID), func(msg *nats.Msg) {
		var ev process.TransitionEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			p.logger.Errorf("failed to decode transition event: %v", err)
			return
		}
		handler(ev)
	})
}

// SubscribeActions joins the worker queue group for a workflow's action
// requests. Each request is delivered to exactly one subscriber.
func (p *Publisher) SubscribeActions(workflowID string, handler func(req ActionRequest)) (*nats.Subscription, error) {
	subject := p.subjectActions(workflowID)
	return p.nc.QueueSubscribe(subject, subject, func(msg *nats.Msg) {
		var req ActionRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			p.logger.Errorf("failed to decode action request: %v", err)
			return
		}
		handler(req)
	})
}

func (p *Publisher) subjectTransitions(workflowID string) string {
	return p.prefix + ".transitions." + workflowID
}

func (p *Publisher) subjectActions(workflowID string) string {
	return p.prefix + ".actions." + workflowID
}
