// Client half of the rendezvous demo: optionally bind a name of our
// own, connect to the server, and report both endpoint names.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/StevenAnn/newlib-cygwin/ipc/afunix"
	"github.com/StevenAnn/newlib-cygwin/ipc/afunix/name"
)

var (
	path     = pflag.String("path", "/tmp/afunix-demo", "server path to connect to")
	abstract = pflag.String("abstract", "", "abstract server name instead of --path")
	bindName = pflag.Bool("bind", false, "autobind before connecting so the server sees a name")
	nonblock = pflag.Bool("nonblock", false, "use a non-blocking connect and poll SO_ERROR")
)

func main() {
	pflag.Parse()

	sun := name.Pathname(*path)
	if *abstract != "" {
		sun = name.Abstract(*abstract)
	}

	var flags []afunix.Flag
	if *nonblock {
		flags = append(flags, afunix.Nonblock)
	}
	sock, err := afunix.New(afunix.Stream, 0, flags...)
	if err != nil {
		panic(err)
	}
	defer sock.Close()

	if *bindName {
		if err := sock.Bind(name.Unnamed()); err != nil {
			fmt.Fprintf(os.Stderr, "autobind: %s\n", err)
			os.Exit(1)
		}
		fmt.Println("autobound to", sock.Getsockname())
	}

	err = sock.Connect(context.Background(), sun)
	if afunix.Errno(err) == unix.EINPROGRESS {
		fmt.Println("connect in progress")
		for {
			time.Sleep(50 * time.Millisecond)
			v, gerr := sock.GetsockoptInt(unix.SOL_SOCKET, unix.SO_ERROR)
			if gerr != nil {
				panic(gerr)
			}
			if v != 0 {
				fmt.Fprintf(os.Stderr, "connect failed: %s\n", unix.Errno(v))
				os.Exit(1)
			}
			// Getpeereid reports ENOTCONN until the waiter finishes.
			if _, perr := sock.Getpeereid(); perr == nil {
				break
			}
		}
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %s\n", err)
		os.Exit(1)
	}

	peer, _ := sock.Getpeername()
	fmt.Printf("connected: %s -> %s\n", sock.Getsockname(), peer)
}
