// Copyright (c) Jeff Berkowitz 2023. All rights reserved.

package main

import "github.com/gmofishsauce/avrisp/cmd"

func main() {
	cmd.Execute()
}
