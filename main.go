// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import "github.com/taskd-org/taskd/cmd"

func main() {
	cmd.Execute()
}
