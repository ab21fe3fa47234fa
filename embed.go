package lexchat

import "embed"

// TemplateFS holds the HTML templates of the chat front-end: full pages, the shared layout, and the
// partials that are also rendered on their own for server-sent updates.
//
//go:embed templates/*
var TemplateFS embed.FS

// StaticFS holds the script and stylesheet served under /static/.
//
//go:embed static/*
var StaticFS embed.FS
