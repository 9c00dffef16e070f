//go:build windows

package welcome

import (
	"golang.org/x/sys/windows"
)

const (
	mbOK           = 0x00000000
	mbYesNo        = 0x00000004
	mbIconQuestion = 0x00000020
	mbIconInfo     = 0x00000040
	idYes          = 6
)

// Native returns the MessageBox prompter.
func Native() Prompter {
	return dialogPrompter{}
}

type dialogPrompter struct{}

func (dialogPrompter) Confirm(title, message string) bool {
	return messageBox(title, message, mbYesNo|mbIconQuestion) == idYes
}

func showMessage(title, message string) {
	messageBox(title, message, mbOK|mbIconInfo)
}

func messageBox(title, message string, style uint32) int32 {
	titlePtr, err := windows.UTF16PtrFromString(title)
	if err != nil {
		return 0
	}
	messagePtr, err := windows.UTF16PtrFromString(message)
	if err != nil {
		return 0
	}
	ret, _ := windows.MessageBox(0, messagePtr, titlePtr, style)
	return ret
}
