package main

import "linsight/client/linsight-cli/cmd"

func main() {
	cmd.Execute()
}
