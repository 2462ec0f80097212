package main

import (
	"bufio"
	"fmt"
	"net"
	"strings"

	"github.com/urfave/cli/v2"
)

var socketFlag = &cli.StringFlag{
	Name:  "socket",
	Usage: "path to the running instance's control socket",
	Value: "/var/run/fmtprecvd.sock",
}

var setLinkSpeedCommand = &cli.Command{
	Name:      "set-link-speed",
	Usage:     "update the running receiver's link-speed estimate",
	ArgsUsage: "<bits-per-second>",
	Flags:     []cli.Flag{socketFlag},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.Exit("expected exactly one argument: bits-per-second", 1)
		}
		return sendControlCommand(c.String("socket"), "SETLINKSPEED "+c.Args().First())
	},
}

var stopCommand = &cli.Command{
	Name:  "stop",
	Usage: "request a graceful shutdown of the running receiver",
	Flags: []cli.Flag{socketFlag},
	Action: func(c *cli.Context) error {
		return sendControlCommand(c.String("socket"), "STOP")
	},
}

func sendControlCommand(socketPath, command string) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connecting to control socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return fmt.Errorf("sending command: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading reply: %w", err)
	}
	reply = strings.TrimSpace(reply)
	if strings.HasPrefix(reply, "ERR") {
		return cli.Exit(reply, 1)
	}
	fmt.Println(reply)
	return nil
}
