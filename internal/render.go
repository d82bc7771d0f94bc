package internal

import (
	"bytes"
	"html/template"

	"statusboard/internal/presence"
)

var userRowTemplate = template.Must(template.New("fragments").Parse(
	`{{define "row"}}<li id="user-{{.UserID}}" class="user {{.Status}}{{if eq .Kind "removed"}} removed{{end}}" data-kind="{{.Kind}}">` +
		`<span class="name">{{.Username}}</span> <span class="status">{{.Status}}</span>` +
		`{{with .LastOnlineAt}} <time datetime="{{.Format "2006-01-02T15:04:05Z07:00"}}">{{.Format "Jan 2 15:04"}}</time>{{end}}` +
		`</li>{{end}}`))

var indexTemplate = template.Must(template.Must(userRowTemplate.Clone()).New("index").Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>statusboard</title>
<style>
body { font-family: sans-serif; margin: 2rem; }
li.online .status { color: #1a7f37; }
li.offline .status { color: #6e7781; }
time { color: #8c959f; font-size: 0.85em; }
</style>
</head>
<body>
<h1>Who's online</h1>
{{if .Viewer}}<p>Signed in as <strong>{{.Viewer}}</strong></p>{{else}}<p>Watching anonymously</p>{{end}}
<ul id="users">
{{range .Users}}{{template "row" .}}
{{end}}</ul>
<script>
(function () {
  var scheme = location.protocol === "https:" ? "wss://" : "ws://";
  var list = document.getElementById("users");
  var delay = 1000;

  function apply(frame) {
    if (frame.type === "snapshot") {
      list.innerHTML = frame.html || "";
      return;
    }
    if (frame.type !== "presence") { return; }
    var current = document.getElementById("user-" + frame.event.user_id);
    if (frame.event.kind === "removed") {
      if (current) { current.remove(); }
      return;
    }
    var tmp = document.createElement("ul");
    tmp.innerHTML = frame.html;
    if (current) { current.replaceWith(tmp.firstChild); } else { list.appendChild(tmp.firstChild); }
  }

  function connect() {
    var ws = new WebSocket(scheme + location.host + {{.WSPath}});
    ws.onopen = function () { delay = 1000; };
    ws.onmessage = function (msg) { apply(JSON.parse(msg.data)); };
    ws.onclose = function () {
      setTimeout(connect, delay);
      delay = Math.min(delay * 2, 30000);
    };
  }
  connect();
})();
</script>
</body>
</html>
`))

type indexData struct {
	Viewer string
	Users  []presence.Event
	WSPath string
}

// renderUserRow renders the list item for one user. Browsers swap it in by
// element id.
func renderUserRow(ev presence.Event) (string, error) {
	var buf bytes.Buffer
	if err := userRowTemplate.ExecuteTemplate(&buf, "row", ev); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// renderUserRows renders the whole list body, used for snapshot frames.
func renderUserRows(users []presence.Event) (string, error) {
	var buf bytes.Buffer
	for _, ev := range users {
		if err := userRowTemplate.ExecuteTemplate(&buf, "row", ev); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}
