// crash-after exits with a chosen code after a delay. With -marker it only
// crashes on the first run, which makes restart behaviour observable.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

func main() {
	var after time.Duration
	var code int
	var marker string
	flag.DurationVar(&after, "after", 250*time.Millisecond, "Delay before exiting")
	flag.IntVar(&code, "code", 2, "Exit code")
	flag.StringVar(&marker, "marker", "", "Crash only while this file does not exist; create it on the way out")
	flag.Parse()

	_, _ = fmt.Fprintf(os.Stderr, "crash-after pid=%d after=%s code=%d\n", os.Getpid(), after, code)
	if marker != "" {
		if _, err := os.Stat(marker); err == nil {
			_, _ = fmt.Fprintln(os.Stderr, "crash-after: marker present, staying up")
			select {}
		}
	}
	time.Sleep(after)
	if marker != "" {
		_ = os.WriteFile(marker, []byte(time.Now().Format(time.RFC3339)), 0o644)
	}
	_, _ = fmt.Fprintln(os.Stderr, "crash-after: exiting now")
	os.Exit(code)
}
