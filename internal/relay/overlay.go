package relay

import (
	"context"
	"fmt"
	"io"

	"github.com/a-h/templ"
)

const overlayHead = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="%d">
<title>keyrelay</title>
<style>
body {
	background: rgba(0,0,0,0);
	display: flex;
	justify-content: center;
	align-items: center;
	height: 100vh;
	margin: 0;
}
.rainbow {
	font-size: 120px;
	font-weight: bold;
	font-family: Arial, sans-serif;
	animation: rainbow 3s linear infinite;
}
@keyframes rainbow {
	0%%   { color: red; }
	16%%  { color: orange; }
	32%%  { color: yellow; }
	48%%  { color: green; }
	64%%  { color: cyan; }
	80%%  { color: blue; }
	100%% { color: violet; }
}
</style>
</head>
<body>
`

// Overlay renders the transparent OBS overlay showing value in rainbow
// colours. The page reloads itself every refreshSeconds.
func Overlay(value int64, refreshSeconds int) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := fmt.Fprintf(w, overlayHead, refreshSeconds); err != nil {
			return err
		}
		if _, err := io.WriteString(w, `<div class="rainbow">`); err != nil {
			return err
		}
		if _, err := io.WriteString(w, templ.EscapeString(fmt.Sprint(value))); err != nil {
			return err
		}
		_, err := io.WriteString(w, "</div>\n</body>\n</html>\n")
		return err
	})
}
