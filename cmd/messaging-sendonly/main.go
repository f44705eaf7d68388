// Sends one message to a data channel of a Sora channel.
//
// Example:
//
//	messaging-sendonly --signaling-url ws://localhost:5000/signaling --channel-id sora --label '#foo' --data hello
package main

import (
	"context"
	"os"

	"messaging-sendonly/internal"
	"messaging-sendonly/pkg/log"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

func main() {
	log.SetupLogger()

	app := internal.NewApp()

	if err := app.Setup(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}

		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	if err := app.Run(ctx, cancel); err != nil {
		log.Fatal(err)
	}
}
