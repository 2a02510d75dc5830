package model

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// SendMessageRequest is the input for an outbound message. Exactly one of
// Body, TemplateID or MediaURLs carries the content.
type SendMessageRequest struct {
	ConversationID    string            `json:"conversationId" validate:"required,max=128"`
	To                string            `json:"to"             validate:"required,max=64"`
	From              string            `json:"from"           validate:"omitempty,max=64"`
	Body              string            `json:"body"           validate:"omitempty,max=4096"`
	TemplateID        string            `json:"templateId"     validate:"omitempty,max=128"`
	TemplateVariables map[string]string `json:"templateVariables" validate:"omitempty,max=32"`
	MediaURLs         []string          `json:"mediaUrls"      validate:"omitempty,max=10,dive,required,http_url"`
	ContactName       string            `json:"contactName"    validate:"omitempty,max=256"`
	SenderName        string            `json:"senderName"     validate:"omitempty,max=256"`
	IdempotencyKey    string            `json:"-"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

func (r SendMessageRequest) Validate() error {
	if err := getValidator().Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{Field: jsonField(fe.StructField()), Reason: reasonFor(fe)}
		}
		return &ValidationError{Reason: err.Error()}
	}

	content := 0
	if strings.TrimSpace(r.Body) != "" {
		content++
	}
	if r.TemplateID != "" {
		content++
	}
	if len(r.MediaURLs) > 0 {
		content++
	}
	switch {
	case content == 0:
		return &ValidationError{Field: "body", Reason: "one of body, templateId or mediaUrls is required"}
	case content > 1:
		return &ValidationError{Field: "body", Reason: "only one of body, templateId or mediaUrls may be set"}
	}
	if len(r.TemplateVariables) > 0 && r.TemplateID == "" {
		return &ValidationError{Field: "templateVariables", Reason: "templateVariables require templateId"}
	}
	return nil
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "http_url":
		return "must be an http or https URL"
	}
	return "failed " + fe.Tag() + " check"
}

var jsonFields = map[string]string{
	"ConversationID":    "conversationId",
	"To":                "to",
	"From":              "from",
	"Body":              "body",
	"TemplateID":        "templateId",
	"TemplateVariables": "templateVariables",
	"MediaURLs":         "mediaUrls",
	"ContactName":       "contactName",
	"SenderName":        "senderName",
}

func jsonField(structField string) string {
	if f, ok := jsonFields[structField]; ok {
		return f
	}
	return structField
}
