// Command convolve applies 2D convolution kernels to image files.
package main

import "github.com/gogpu/convolve/cmd/convolve/cmd"

func main() {
	cmd.Execute()
}
