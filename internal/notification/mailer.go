package notification

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"math"
	texttemplate "text/template"
	"time"

	"go.uber.org/zap"

	"blog-auth-service/internal/apperror"
	"blog-auth-service/internal/otp"
)

const layoutHTML = `{{define "layout"}}<!DOCTYPE html>
<html><body style="font-family:Arial,sans-serif;background:#f4f6f8;padding:24px">
<div style="max-width:560px;margin:0 auto;background:#fff;border-radius:8px;padding:32px">
<h2 style="margin-top:0">{{.Title}}</h2>
<p>Hello {{.Name}},</p>
{{template "content" .}}
<p style="color:#718096;font-size:13px;margin-top:32px">{{.Notice}}</p>
<p style="color:#a0aec0;font-size:12px">{{.App}}</p>
</div></body></html>{{end}}`

var htmlBodies = map[string]string{
	"otp": `{{define "content"}}<p>Use the code below to complete your {{.Label}}.</p>
<p style="font-size:32px;letter-spacing:8px;font-weight:bold;text-align:center">{{.Code}}</p>
<p>The code expires in {{.Minutes}} minutes.</p>{{end}}`,
	"welcome": `{{define "content"}}<p>Your account is verified and ready to use.</p>
<p><a href="{{.Link}}">Open your dashboard</a></p>{{end}}`,
	"login": `{{define "content"}}<p>You signed in on {{.When}}.</p>{{end}}`,
	"password_changed": `{{define "content"}}<p>Your password was changed on {{.When}}.</p>{{end}}`,
	"email_changed": `{{define "content"}}<p>The email address on your account was changed to <strong>{{.NewEmail}}</strong> on {{.When}}.</p>{{end}}`,
	"reset_link": `{{define "content"}}<p>We received a request to reset your password.</p>
<p><a href="{{.Link}}" style="background:#0066ff;color:#fff;padding:12px 24px;border-radius:6px;text-decoration:none">Reset password</a></p>
<p>The link expires in {{.Minutes}} minutes and can be used once.</p>{{end}}`,
}

var textBodies = map[string]string{
	"otp":              `Hello {{.Name}}, your {{.App}} {{.Label}} code is {{.Code}}. It expires in {{.Minutes}} minutes. {{.Notice}}`,
	"welcome":          `Hello {{.Name}}, welcome to {{.App}}. Your account is ready: {{.Link}}`,
	"login":            `Hello {{.Name}}, you signed in to {{.App}} on {{.When}}. {{.Notice}}`,
	"password_changed": `Hello {{.Name}}, your {{.App}} password was changed on {{.When}}. {{.Notice}}`,
	"email_changed":    `Hello {{.Name}}, the email on your {{.App}} account was changed to {{.NewEmail}} on {{.When}}. {{.Notice}}`,
	"reset_link":       `Hello {{.Name}}, reset your {{.App}} password here: {{.Link}} (expires in {{.Minutes}} minutes). {{.Notice}}`,
}

const unknownActivity = "If this wasn't you, secure your account and contact support immediately."

type view struct {
	App      string
	Title    string
	Name     string
	Label    string
	Code     string
	Minutes  int
	Link     string
	When     string
	NewEmail string
	Notice   string
}

type compiled struct {
	html *htmltemplate.Template
	text *texttemplate.Template
}

// Mailer renders and sends the transactional messages of the auth flows.
type Mailer struct {
	sender       Sender
	appName      string
	dashboardURL string
	templates    map[string]compiled
	logger       *zap.Logger
}

func NewMailer(sender Sender, appName, dashboardURL string, logger *zap.Logger) (*Mailer, error) {
	m := &Mailer{
		sender:       sender,
		appName:      appName,
		dashboardURL: dashboardURL,
		templates:    make(map[string]compiled, len(htmlBodies)),
		logger:       logger,
	}
	for name, body := range htmlBodies {
		h, err := htmltemplate.New(name).Parse(layoutHTML)
		if err == nil {
			_, err = h.Parse(body)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s html template: %w", name, err)
		}
		t, err := texttemplate.New(name).Parse(textBodies[name])
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s text template: %w", name, err)
		}
		m.templates[name] = compiled{html: h, text: t}
	}
	return m, nil
}

// DashboardURL is the base of links sent in messages.
func (m *Mailer) DashboardURL() string {
	return m.dashboardURL
}

func (m *Mailer) render(name, to, subject string, v view) (Message, error) {
	tpl, ok := m.templates[name]
	if !ok {
		return Message{}, fmt.Errorf("unknown template %q", name)
	}
	v.App = m.appName
	if v.Name == "" {
		v.Name = "there"
	}

	var html, text bytes.Buffer
	if err := tpl.html.ExecuteTemplate(&html, "layout", v); err != nil {
		return Message{}, fmt.Errorf("failed to render %s: %w", name, err)
	}
	if err := tpl.text.Execute(&text, v); err != nil {
		return Message{}, fmt.Errorf("failed to render %s: %w", name, err)
	}
	return Message{
		To:      to,
		Subject: subject + " - " + m.appName,
		HTML:    html.String(),
		Text:    text.String(),
	}, nil
}

func (m *Mailer) deliver(ctx context.Context, name, to, subject string, v view) error {
	msg, err := m.render(name, to, subject, v)
	if err != nil {
		return apperror.Wrap(apperror.CodeInternal, "failed to render message", err)
	}
	if err := m.sender.Send(ctx, msg); err != nil {
		m.logger.Error("Failed to send email",
			zap.String("template", name),
			zap.String("to", to),
			zap.Error(err))
		return apperror.Wrap(apperror.CodeSendFailed, apperror.ErrSendFailed.Message, err)
	}
	m.logger.Debug("Email sent", zap.String("template", name), zap.String("to", to))
	return nil
}

func minutes(d time.Duration) int {
	return int(math.Ceil(d.Minutes()))
}

func stamp(t time.Time) string {
	return t.UTC().Format("Jan 2, 2006 at 15:04 UTC")
}

var otpSubjects = map[otp.Purpose]string{
	otp.PurposeRegistration:   "Verify Your Email",
	otp.PurposeLogin:          "Login Verification Code",
	otp.PurposePasswordReset:  "Password Reset Code",
	otp.PurposePasswordUpdate: "Password Update Verification",
	otp.PurposeEmailUpdate:    "Email Update Verification",
}

func (m *Mailer) SendOTP(ctx context.Context, to, name string, purpose otp.Purpose, code string, expiresIn time.Duration) error {
	subject, ok := otpSubjects[purpose]
	if !ok {
		return apperror.Validation("purpose", "unknown OTP purpose")
	}
	return m.deliver(ctx, "otp", to, subject, view{
		Title:   subject,
		Name:    name,
		Label:   purpose.Label(),
		Code:    code,
		Minutes: minutes(expiresIn),
		Notice:  "If you didn't request this code, you can ignore this email.",
	})
}

func (m *Mailer) SendWelcome(ctx context.Context, to, name string) error {
	return m.deliver(ctx, "welcome", to, "Welcome", view{
		Title: "Welcome aboard",
		Name:  name,
		Link:  m.dashboardURL,
	})
}

func (m *Mailer) SendLoginSuccess(ctx context.Context, to, name string, at time.Time) error {
	return m.deliver(ctx, "login", to, "Login Successful", view{
		Title:  "New sign-in",
		Name:   name,
		When:   stamp(at),
		Notice: unknownActivity,
	})
}

func (m *Mailer) SendPasswordChanged(ctx context.Context, to, name string, at time.Time) error {
	return m.deliver(ctx, "password_changed", to, "Password Changed", view{
		Title:  "Password changed",
		Name:   name,
		When:   stamp(at),
		Notice: unknownActivity,
	})
}

// SendEmailChanged alerts the previous address.
func (m *Mailer) SendEmailChanged(ctx context.Context, oldEmail, name, newEmail string, at time.Time) error {
	return m.deliver(ctx, "email_changed", oldEmail, "Email Address Changed", view{
		Title:    "Email address changed",
		Name:     name,
		NewEmail: newEmail,
		When:     stamp(at),
		Notice:   unknownActivity,
	})
}

func (m *Mailer) SendPasswordResetLink(ctx context.Context, to, name, link string, expiresIn time.Duration) error {
	return m.deliver(ctx, "reset_link", to, "Password Reset Request", view{
		Title:   "Reset your password",
		Name:    name,
		Link:    link,
		Minutes: minutes(expiresIn),
		Notice:  "If you didn't request a reset, you can ignore this email. Your password stays unchanged.",
	})
}
