package main

import "github.com/MeKo-Tech/rooftop/internal/cmd"

func main() {
	cmd.Execute()
}
