package main

import (
	"fmt"
	"os"
	"strings"

	"pyc39to38"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

var log = logrus.New()

func die(format string, args ...interface{}) {
	log.Errorf(format, args...)
	os.Exit(1)
}

func convert(c *cli.Context) error {
	if c.NArg() < 2 {
		return cli.NewExitError("input and output paths are required", 1)
	}
	inputPath, outputPath := c.Args().Get(0), c.Args().Get(1)

	if !strings.HasSuffix(inputPath, pyc39to38.PycSuffix) {
		die("input file %q does not have a %s extension", inputPath, pyc39to38.PycSuffix)
	}
	if !strings.HasSuffix(outputPath, pyc39to38.PycSuffix) {
		die("output file %q does not have a %s extension", outputPath, pyc39to38.PycSuffix)
	}

	info, err := os.Stat(inputPath)
	if err != nil || info.IsDir() {
		die("input path %q is not a valid file", inputPath)
	}

	if _, err := os.Stat(outputPath); err == nil {
		if !c.Bool("force") {
			die("output file %q already exists", outputPath)
		}
		if err := os.Remove(outputPath); err != nil {
			die("could not remove existing output file %q: %s", outputPath, err)
		}
	}

	if info.Size() < pyc39to38.MinPycSize {
		die("input file %q is too small to be a valid bytecode file", inputPath)
	}

	cfg := pyc39to38.NewConfig()
	cfg.PreserveLinenoAfterExtArg = c.Bool("preserve-lineno-after-extarg")
	cfg.NoBeginFinally = c.Bool("no-begin-finally")

	codec := pyc39to38.NewMarshalCodec()
	entry := log.WithField("input", inputPath)
	if err := pyc39to38.ConvertFile(codec, codec, inputPath, outputPath, cfg, entry); err != nil {
		log.Errorf("conversion failed: %s", err)
		return cli.NewExitError("conversion failed", 1)
	}

	log.Info("done")
	return nil
}

func main() {
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	app := cli.NewApp()
	app.Name = "pyc39to38"
	app.Usage = "downgrade a Python 3.9 compiled bytecode module to 3.8"
	app.ArgsUsage = "input.pyc output.pyc"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "f, force",
			Usage: "overwrite the existing output file",
		},
		cli.BoolFlag{
			Name:  "preserve-lineno-after-extarg",
			Usage: "preserve the rare case where the line number is attached after EXTENDED_ARG",
		},
		cli.BoolFlag{
			Name:  "no-begin-finally",
			Usage: "do not replace a duplicated finally block and its JUMP_FORWARD with BEGIN_FINALLY",
		},
	}
	app.Action = convert

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
