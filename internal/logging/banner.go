package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset   = "\033[0m"
	bold    = "\033[1m"
	cyan    = "\033[36m"
	green   = "\033[32m"
	yellow  = "\033[33m"
	blue    = "\033[34m"
	magenta = "\033[35m"
	dim     = "\033[2m"
)

// Logo lines — base CodeTether ASCII art.
var logoLines = [6]string{
	`  ____             _        _____        _    _                 `,
	` / ___|  ___    __| |  ___ |_   _|  ___ | |_ | |__    ___  _ __ `,
	`| |     / _ \  / _` + "`" + ` | / _ \  | |   / _ \| __|| '_ \  / _ \| '__|`,
	`| |___ | (_) || (_| ||  __/  | |  |  __/| |_ | | | ||  __/| |   `,
	` \____| \___/  \__,_| \___|  |_|   \___| \__||_| |_| \___||_|   `,
	`                                                                `,
}

// Mode-specific ASCII art (right-side, same height as logo).
var hubArt = [6]string{
	`  _   _       _     `,
	` | | | |_   _| |__  `,
	` | |_| | | | | '_ \ `,
	` |  _  | |_| | |_) |`,
	` |_| |_|\__,_|_.__/ `,
	`                     `,
}

var agentArt = [6]string{
	`     _                         _   `,
	`    / \     __ _   ___  _ __  | |_ `,
	`   / _ \   / _` + "`" + ` | / _ \| '_ \ | __|`,
	`  / ___ \ | (_| ||  __/| | | || |_ `,
	` /_/   \_\ \__, | \___||_| |_| \__|`,
	`           |___/                   `,
}

var bridgeArt = [6]string{
	`  ____         _       _              `,
	` | __ )  _ __ (_)   __| |  __ _   ___ `,
	` |  _ \ | '__|| |  / _` + "`" + ` | / _` + "`" + ` | / _ \`,
	` | |_) || |   | | | (_| || (_| ||  __/`,
	` |____/ |_|   |_|  \__,_| \__, | \___|`,
	`                          |___/       `,
}

var standaloneArt = [6]string{
	`  ____  _                  _       _                  `,
	` / ___|| |_ __ _ _ __   __| | __ _| | ___  _ __   ___ `,
	` \___ \| __/ _` + "`" + ` | '_ \ / _` + "`" + ` |/ _` + "`" + ` | |/ _ \| '_ \ / _ \`,
	`  ___) | || (_| | | | | (_| | (_| | | (_) | | | |  __/`,
	` |____/ \__\__,_|_| |_|\__,_|\__,_|_|\___/|_| |_|\___|`,
	`                                                       `,
}

// PrintBanner prints the CodeTether ASCII art logo with mode-specific
// art appended to the right. Below the art it prints version and
// listen address (or hub URL for the client modes). Colors are used
// only when stderr is a TTY.
func PrintBanner(mode, ver, addr string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	var modeArt *[6]string
	var modeColor string
	switch mode {
	case "hub":
		modeArt = &hubArt
		modeColor = green
	case "agent":
		modeArt = &agentArt
		modeColor = yellow
	case "bridge":
		modeArt = &bridgeArt
		modeColor = blue
	default: // standalone
		modeArt = &standaloneArt
		modeColor = magenta
	}

	for i := 0; i < 6; i++ {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s%s%s%s\n",
				bold+cyan, logoLines[i], reset,
				bold+modeColor, modeArt[i], reset)
		} else {
			fmt.Fprintf(os.Stderr, "%s%s\n", logoLines[i], modeArt[i])
		}
	}

	// Info line below the art.
	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %saddr%s %s\n\n",
			dim, reset, ver, dim, reset, addr)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   addr %s\n\n", ver, addr)
	}
}
