// Server half of the rendezvous demo: bind a name, listen, accept
// clients and print who connected. Pair it with the client in
// ../client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/StevenAnn/newlib-cygwin/ipc/afunix"
	"github.com/StevenAnn/newlib-cygwin/ipc/afunix/name"
)

var (
	path     = pflag.String("path", "/tmp/afunix-demo", "filesystem path to bind")
	abstract = pflag.String("abstract", "", "abstract name to bind instead of --path")
)

func main() {
	pflag.Parse()

	sun := name.Pathname(*path)
	if *abstract != "" {
		sun = name.Abstract(*abstract)
	}

	sock, err := afunix.New(afunix.Stream, 0)
	if err != nil {
		panic(err)
	}
	defer sock.Close()

	if err := sock.Bind(sun); err != nil {
		fmt.Fprintf(os.Stderr, "bind: %s (errno %d)\n", err, afunix.Errno(err))
		os.Exit(1)
	}
	if err := sock.Listen(5); err != nil {
		fmt.Fprintf(os.Stderr, "listen: %s\n", err)
		os.Exit(1)
	}
	fmt.Println("listening on", sock.Getsockname())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	for {
		child, err := sock.Accept(ctx)
		if err != nil {
			if afunix.Errno(err) == unix.EINTR {
				fmt.Println("interrupted, shutting down")
				return
			}
			fmt.Fprintf(os.Stderr, "accept: %s\n", err)
			continue
		}
		peer, _ := child.Getpeername()
		cred, _ := child.Getpeereid()
		fmt.Printf("accepted connection from %s (pid %s uid %s)\n", peer, cred.PID, cred.UID)
		child.Close()
	}
}
