// Package messaging produces client and provider chase messages.
package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/kgnguhan/agentic-chaser/internal/domain"
)

var (
	ErrGenerationUnavailable = fmt.Errorf("generation unavailable: %w", domain.ErrCollaboratorUnavailable)
	ErrTimeout               = fmt.Errorf("generation timeout: %w", domain.ErrCollaboratorUnavailable)
)

type Audience string

const (
	AudienceClient   Audience = "client"
	AudienceProvider Audience = "provider"
)

type Purpose string

const (
	PurposeSendLOA             Purpose = "send_loa"
	PurposeSignatureReminder   Purpose = "signature_reminder"
	PurposeDocumentResubmit    Purpose = "document_resubmit"
	PurposeInformationReceived Purpose = "information_received"
	PurposeProviderChase       Purpose = "provider_chase"
)

// Request is the context a generator writes from.
type Request struct {
	Audience         Audience
	Purpose          Purpose
	CaseID           string
	ClientName       string
	ProviderID       string
	ProviderName     string
	AdvisorName      string
	State            domain.State
	DaysInState      int
	DaysPastSLA      int
	Attempt          int
	Channel          domain.Channel
	RejectionReasons []string
	MissingDocuments []string
}

// Generator writes a message for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Fallback tries Primary and falls back to Secondary when Primary is
// unavailable. Other errors are returned as is.
type Fallback struct {
	Primary   Generator
	Secondary Generator
}

func (f Fallback) Generate(ctx context.Context, req Request) (string, error) {
	if f.Primary != nil {
		text, err := f.Primary.Generate(ctx, req)
		if err == nil {
			return text, nil
		}
		if !errors.Is(err, domain.ErrCollaboratorUnavailable) || f.Secondary == nil {
			return "", err
		}
	}
	if f.Secondary == nil {
		return "", ErrGenerationUnavailable
	}
	return f.Secondary.Generate(ctx, req)
}

// classify maps context errors onto the generator error set.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrGenerationUnavailable, err)
}
