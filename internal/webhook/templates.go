package webhook

import (
	"html/template"
	"strings"
)

var otpTemplate = template.Must(template.New("otp").Parse(`
<div style="font-family: sans-serif; padding: 20px; border: 1px solid #eee; border-radius: 10px;">
  <h2 style="color: #2196F3;">{{.Brand}} App Verification</h2>
  <p>Hello,</p>
  <p>Your verification code is:</p>
  <div style="font-size: 32px; font-weight: bold; color: #333; margin: 20px 0;">{{.Code}}</div>
  <p style="color: #666; font-size: 14px;">This code is valid for 10 minutes. If you did not request this, please ignore this email.</p>
  <hr style="border: none; border-top: 1px solid #eee; margin: 20px 0;">
  <p style="font-size: 12px; color: #999;">Sent safely via {{.Brand}} App</p>
</div>`))

// renderOTP renders the verification-code email body.
func renderOTP(brand, code string) (string, error) {
	var b strings.Builder
	err := otpTemplate.Execute(&b, struct{ Brand, Code string }{brand, code})
	return b.String(), err
}

func otpSubject(brand string) string {
	return brand + " App - Your Verification Code"
}

func inviteSubject(brand string) string {
	return "You're invited to " + brand
}
