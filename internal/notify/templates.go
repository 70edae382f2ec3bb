package notify

import (
	"bytes"
	"fmt"
	"html/template"
)

// Email is a rendered subject and HTML body
type Email struct {
	Subject string
	HTML    string
}

var emailTemplates = template.Must(template.New("emails").Parse(`
{{define "verify"}}<!DOCTYPE html>
<html><body>
<p>Welcome to {{.Product}}.</p>
<p>Please confirm your email address by following this link:</p>
<p><a href="{{.Link}}">Verify my email</a></p>
<p>The link expires in {{.Expires}}. If you did not sign up, you can ignore this message.</p>
</body></html>{{end}}

{{define "reset"}}<!DOCTYPE html>
<html><body>
<p>A password reset was requested for your {{.Product}} account.</p>
<p><a href="{{.Link}}">Choose a new password</a></p>
<p>The link expires in {{.Expires}}. If you did not ask for this, no action is needed.</p>
</body></html>{{end}}

{{define "already-verified"}}<!DOCTYPE html>
<html><body>
<p>Your email address is already verified for {{.Product}}.</p>
<p>You can sign in at any time.</p>
</body></html>{{end}}
`))

type emailData struct {
	Product string
	Link    string
	Expires string
}

// Templates renders the service's transactional emails
type Templates struct {
	Product string
}

// VerifyEmail renders the email-verification message
func (t Templates) VerifyEmail(link, expires string) (Email, error) {
	return t.render("verify", "Verify your email address", emailData{Product: t.Product, Link: link, Expires: expires})
}

// PasswordReset renders the password-reset message
func (t Templates) PasswordReset(link, expires string) (Email, error) {
	return t.render("reset", "Reset your password", emailData{Product: t.Product, Link: link, Expires: expires})
}

// AlreadyVerified renders the notice sent when verification is re-requested
func (t Templates) AlreadyVerified() (Email, error) {
	return t.render("already-verified", "Your email is already verified", emailData{Product: t.Product})
}

func (t Templates) render(name, subject string, data emailData) (Email, error) {
	var buf bytes.Buffer
	if err := emailTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		return Email{}, fmt.Errorf("render %s email: %w", name, err)
	}
	return Email{Subject: subject, HTML: buf.String()}, nil
}

// MobileCode formats the SMS body for a mobile verification code
func MobileCode(sender, code string) string {
	return fmt.Sprintf("%s mobile verification code: %s", sender, code)
}
