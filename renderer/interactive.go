package renderer

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/go-gl/gl/v2.1/gl"
	"github.com/go-gl/glfw/v3.3/glfw"

	"github.com/realDqt/govray/rt"
)

func init() {
	// Main thread affinity for the opengl context.
	runtime.LockOSThread()
}

// Camera movement speed per keypress.
const cameraMoveSpeed float32 = 0.1

// An interactive opengl-based front end over the renderer: frames are traced
// into the framebuffer and blitted to a window texture. Runtime toggles:
//
//	F5    reload shaders (pipeline rebuild)
//	R     toggle ray traced / raster output
//	1-5   switch pipeline configuration
//	ESC   quit
type Interactive struct {
	*Renderer

	window    *glfw.Window
	fbTexture uint32

	sync.Mutex
}

// NewInteractive wraps a renderer with an opengl display window.
func NewInteractive(r *Renderer) (*Interactive, error) {
	i := &Interactive{Renderer: r}
	if err := i.initGL(); err != nil {
		i.Close()
		return nil, err
	}
	return i, nil
}

func (i *Interactive) initGL() error {
	if err := glfw.Init(); err != nil {
		return fmt.Errorf("failed to initialize glfw: %s", err.Error())
	}

	w, h := i.FrameDims()

	glfw.WindowHint(glfw.Resizable, glfw.False)
	glfw.WindowHint(glfw.ContextVersionMajor, 2)
	glfw.WindowHint(glfw.ContextVersionMinor, 1)
	window, err := glfw.CreateWindow(int(w), int(h), "govray", nil, nil)
	if err != nil {
		return fmt.Errorf("could not create opengl window: %s", err.Error())
	}
	i.window = window
	i.window.MakeContextCurrent()

	if err = gl.Init(); err != nil {
		return fmt.Errorf("could not init opengl: %s", err.Error())
	}

	gl.GenTextures(1, &i.fbTexture)
	gl.ActiveTexture(gl.TEXTURE0)
	gl.BindTexture(gl.TEXTURE_2D, i.fbTexture)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.NEAREST)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.NEAREST)
	gl.TexImage2D(gl.TEXTURE_2D, 0, gl.RGBA8, int32(w), int32(h), 0, gl.RGBA, gl.UNSIGNED_BYTE, nil)

	gl.MatrixMode(gl.PROJECTION)
	gl.LoadIdentity()
	gl.Ortho(0, 1, 0, 1, -1, 1)
	gl.MatrixMode(gl.MODELVIEW)
	gl.LoadIdentity()
	gl.Enable(gl.TEXTURE_2D)

	i.window.SetKeyCallback(i.onKeyEvent)
	return nil
}

// Run renders frames until the window closes. Frame-level errors from
// skipped frames are logged and rendering continues; setup-level errors
// abort the loop.
func (i *Interactive) Run() error {
	for !i.window.ShouldClose() {
		glfw.PollEvents()

		i.Lock()
		err := i.Render()
		i.Unlock()
		if err != nil {
			i.logger.Warningf("%v", err)
			continue
		}

		i.present()
	}
	return nil
}

func (i *Interactive) present() {
	w, h := i.FrameDims()

	gl.BindTexture(gl.TEXTURE_2D, i.fbTexture)
	gl.TexSubImage2D(gl.TEXTURE_2D, 0, 0, 0, int32(w), int32(h), gl.RGBA, gl.UNSIGNED_BYTE, gl.Ptr(i.Framebuffer()))

	gl.Begin(gl.QUADS)
	gl.TexCoord2f(0, 1)
	gl.Vertex2f(0, 0)
	gl.TexCoord2f(1, 1)
	gl.Vertex2f(1, 0)
	gl.TexCoord2f(1, 0)
	gl.Vertex2f(1, 1)
	gl.TexCoord2f(0, 0)
	gl.Vertex2f(0, 1)
	gl.End()

	i.window.SwapBuffers()
}

func (i *Interactive) onKeyEvent(w *glfw.Window, key glfw.Key, scancode int, action glfw.Action, mods glfw.ModifierKey) {
	if action != glfw.Press && action != glfw.Repeat {
		return
	}

	i.Lock()
	defer i.Unlock()

	switch key {
	case glfw.KeyEscape:
		i.window.SetShouldClose(true)
	case glfw.KeyF5:
		if err := i.ReloadShaders(); err != nil {
			i.logger.Warningf("shader reload failed: %v", err)
		}
	case glfw.KeyR:
		if i.Mode() == ModeRayTrace {
			i.SetMode(ModeRaster)
		} else {
			i.SetMode(ModeRayTrace)
		}
	case glfw.Key1, glfw.Key2, glfw.Key3, glfw.Key4, glfw.Key5:
		configs := []rt.Config{rt.ConfigBasic, rt.ConfigAnyHit, rt.ConfigProcedural, rt.ConfigCallable, rt.ConfigReorderable}
		if err := i.SetConfig(configs[key-glfw.Key1]); err != nil {
			i.logger.Warningf("pipeline switch failed: %v", err)
		}
	case glfw.KeyUp, glfw.KeyDown:
		step := cameraMoveSpeed
		if key == glfw.KeyDown {
			step = -step
		}
		if (mods & glfw.ModShift) == glfw.ModShift {
			step *= 2
		}
		cam := &i.sc.Camera
		fwd := cam.LookAt.Sub(cam.Eye).Normalize().Mul(step)
		cam.Eye = cam.Eye.Add(fwd)
		cam.LookAt = cam.LookAt.Add(fwd)
	}
}

// Close destroys the window and the wrapped renderer.
func (i *Interactive) Close() {
	if i.window != nil {
		i.window.Destroy()
		glfw.Terminate()
		i.window = nil
	}
	i.Renderer.Close()
}
