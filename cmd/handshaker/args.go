package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/membraneframework/membrane-element-rtp/internal/auth"
	"github.com/membraneframework/membrane-element-rtp/internal/node"
)

const maxArgLen = 255

var errUsage = errors.New("usage")

// identity is the node identity handed over by the host on the command line.
type identity struct {
	HostName  string
	AliveName string
	NodeName  string
	Cookie    auth.Cookie
	Creation  uint32
}

func usage(prog string) string {
	return fmt.Sprintf("%s [--config FILE] <host_name> <alive_name> <node_name> <cookie> <creation>", prog)
}

func parseIdentity(args []string) (identity, error) {
	if len(args) != 5 {
		return identity{}, fmt.Errorf("%w: expected 5 arguments, got %d", errUsage, len(args))
	}
	for i, a := range args {
		if len(a) > maxArgLen {
			return identity{}, fmt.Errorf("%w: argument %d exceeds %d bytes", errUsage, i+1, maxArgLen)
		}
	}
	creation, err := strconv.ParseUint(args[4], 10, 32)
	if err != nil {
		return identity{}, fmt.Errorf("%w: creation %q: %w", errUsage, args[4], err)
	}
	id := identity{
		HostName:  args[0],
		AliveName: args[1],
		NodeName:  args[2],
		Cookie:    auth.Cookie(args[3]),
		Creation:  uint32(creation),
	}
	if err := node.ValidateName(id.NodeName); err != nil {
		return identity{}, fmt.Errorf("%w: %w", errUsage, err)
	}
	if alive := node.Alive(id.NodeName); alive != id.AliveName {
		return identity{}, fmt.Errorf("%w: node name %q does not start with alive name %q", errUsage, id.NodeName, id.AliveName)
	}
	if id.Cookie == "" {
		return identity{}, fmt.Errorf("%w: %w", errUsage, auth.ErrEmptyCookie)
	}
	return id, nil
}
