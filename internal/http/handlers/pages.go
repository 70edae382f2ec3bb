package handlers

import (
	"html/template"
	"net/http"
)

var pages = template.Must(template.New("pages").Parse(`
{{define "layout-top"}}<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Title}}</title>
<style>body{font-family:sans-serif;max-width:32rem;margin:4rem auto;padding:0 1rem}label{display:block;margin:.75rem 0}input{width:100%;padding:.4rem}</style>
</head><body><h1>{{.Title}}</h1>{{end}}

{{define "message"}}{{template "layout-top" .}}
<p>{{.Message}}</p>
</body></html>{{end}}

{{define "change-password"}}{{template "layout-top" .}}
<form method="post" action="{{.Action}}">
<input type="hidden" name="email" value="{{.Email}}">
<input type="hidden" name="ticket" value="{{.Ticket}}">
<label>New password <input type="password" name="password" minlength="{{.MinLength}}" required autocomplete="new-password"></label>
<button type="submit">Change password</button>
</form>
</body></html>{{end}}

{{define "login"}}{{template "layout-top" .}}
<p><strong>{{.ClientID}}</strong> is requesting access to your account{{if .Scope}} ({{.Scope}}){{end}}.</p>
{{if .Message}}<p>{{.Message}}</p>{{end}}
<form method="post" action="{{.Action}}">
{{range $k, $v := .Params}}<input type="hidden" name="{{$k}}" value="{{$v}}">
{{end}}<label>Email <input type="email" name="email" required autocomplete="username"></label>
<label>Password <input type="password" name="password" required autocomplete="current-password"></label>
<button type="submit" name="decision" value="approve">Sign in and allow</button>
<button type="submit" name="decision" value="deny" formnovalidate>Deny</button>
</form>
</body></html>{{end}}
`))

type messagePage struct {
	Title   string
	Message string
}

type changePasswordPage struct {
	Title     string
	Action    string
	Email     string
	Ticket    string
	MinLength int
}

type loginPage struct {
	Title    string
	Action   string
	ClientID string
	Scope    string
	Message  string
	Params   map[string]string
}

func renderPage(w http.ResponseWriter, statusCode int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Frame-Options", "DENY")
	w.WriteHeader(statusCode)
	_ = pages.ExecuteTemplate(w, name, data)
}

func renderMessage(w http.ResponseWriter, statusCode int, title, message string) {
	renderPage(w, statusCode, "message", messagePage{Title: title, Message: message})
}
