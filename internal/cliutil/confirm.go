package cliutil

import (
	"errors"

	"github.com/manifoldco/promptui"
)

// ErrAborted is returned when the user interrupts a prompt with Ctrl+C.
var ErrAborted = errors.New("cliutil: prompt aborted")

// Confirm asks label as a yes/no prompt, returning the answer. force, when
// true, skips the prompt entirely and answers yes — oncfsdctl's --yes/-y
// flag on destructive subcommands.
func Confirm(label string, force bool) (bool, error) {
	if force {
		return true, nil
	}
	prompt := promptui.Prompt{Label: label, IsConfirm: true}
	_, err := prompt.Run()
	if err != nil {
		if err == promptui.ErrAbort {
			return false, nil
		}
		if err == promptui.ErrInterrupt {
			return false, ErrAborted
		}
		return false, err
	}
	return true, nil
}
