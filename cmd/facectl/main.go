package main

import "github.com/your-org/facerecog/internal/cli"

func main() {
	cli.Execute()
}
