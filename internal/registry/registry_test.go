package registry_test

import (
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/san-kum/twinflow/internal/config"
	"github.com/san-kum/twinflow/internal/registry"
)

var _ = Describe("Registry", func() {
	var (
		settings  config.Settings
		modelID   string
		modelName string
	)

	BeforeEach(func() {
		settings = config.Settings{WorkingDir: GinkgoT().TempDir(), LogLevel: "error"}
		modelID = "0123456789abcdef01234567"
		modelName = "heater"
		Expect(os.MkdirAll(settings.ModelDir(modelName, modelID), 0755)).To(Succeed())
	})

	openRegistry := func() *registry.Registry {
		reg, err := registry.Open(settings, modelID, modelName, nil)
		Expect(err).NotTo(HaveOccurred())
		return reg
	}

	Describe("Open", func() {
		It("fails when the model directory does not exist", func() {
			_, err := registry.Open(settings, "ffffffffffffffffffffffff", modelName, nil)
			Expect(err).To(MatchError(registry.ErrRegistry))
			Expect(err.Error()).To(ContainSubstring("use an existing model id and name"))
		})

		It("creates the backup directory under the model directory", func() {
			reg := openRegistry()
			Expect(reg.FilePath()).To(Equal(filepath.Join(
				settings.ModelDir(modelName, modelID), "backup", "registry.json")))
		})
	})

	Describe("Append and Find", func() {
		It("round-trips a record through a fresh registry instance", func() {
			reg := openRegistry()
			ss := registry.NewSavedState(1.5,
				map[string]float64{"u": 2},
				map[string]float64{"y": 13},
				map[string]float64{"gain": 1})
			Expect(reg.Append(ss)).To(Succeed())

			reopened := openRegistry()
			got, err := reopened.Find(1.5, 1e-8)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ID).To(Equal(ss.ID))
			Expect(got.Time).To(Equal(1.5))
			Expect(got.Inputs).To(HaveKeyWithValue("u", 2.0))
			Expect(got.Outputs).To(HaveKeyWithValue("y", 13.0))
			Expect(got.Parameters).To(HaveKeyWithValue("gain", 1.0))
		})

		It("assigns 24-character ids without dashes", func() {
			ss := registry.NewSavedState(0, nil, nil, nil)
			Expect(ss.ID).To(HaveLen(24))
			Expect(ss.ID).NotTo(ContainSubstring("-"))
		})

		It("derives the blob path from the record id", func() {
			reg := openRegistry()
			ss := registry.NewSavedState(0, nil, nil, nil)
			Expect(reg.StatePath(ss)).To(Equal(filepath.Join(
				settings.ModelDir(modelName, modelID), "backup", "saved_state_"+ss.ID+".bin")))
		})

		It("matches within the absolute epsilon window only", func() {
			reg := openRegistry()
			ss := registry.NewSavedState(2.0, nil, nil, nil)
			Expect(reg.Append(ss)).To(Succeed())

			_, err := reg.Find(2.0+1e-9, 1e-8)
			Expect(err).NotTo(HaveOccurred())

			_, err = reg.Find(2.1, 1e-8)
			Expect(err).To(MatchError(registry.ErrStateNotFound))
		})

		It("prefers the earliest appended record when several match", func() {
			reg := openRegistry()
			first := registry.NewSavedState(3.0, nil, map[string]float64{"y": 1}, nil)
			second := registry.NewSavedState(3.0, nil, map[string]float64{"y": 2}, nil)
			Expect(reg.Append(first)).To(Succeed())
			Expect(reg.Append(second)).To(Succeed())

			got, err := reg.Find(3.0, 1e-8)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ID).To(Equal(first.ID))
		})

		It("copies the scalar maps into the record", func() {
			inputs := map[string]float64{"u": 1}
			ss := registry.NewSavedState(0, inputs, nil, nil)
			inputs["u"] = 99
			Expect(ss.Inputs).To(HaveKeyWithValue("u", 1.0))
		})
	})

	Describe("States", func() {
		It("lists records in append order", func() {
			reg := openRegistry()
			for _, tm := range []float64{0, 1, 2} {
				Expect(reg.Append(registry.NewSavedState(tm, nil, nil, nil))).To(Succeed())
			}

			states, err := openRegistry().States()
			Expect(err).NotTo(HaveOccurred())
			Expect(states).To(HaveLen(3))
			Expect(states[0].Time).To(Equal(0.0))
			Expect(states[2].Time).To(Equal(2.0))
		})

		It("fails on a corrupt registry file", func() {
			reg := openRegistry()
			Expect(reg.Append(registry.NewSavedState(0, nil, nil, nil))).To(Succeed())
			Expect(os.WriteFile(reg.FilePath(), []byte("{not json"), 0644)).To(Succeed())

			_, err := reg.States()
			Expect(err).To(MatchError(registry.ErrRegistry))
		})
	})

	Describe("write atomicity", func() {
		It("leaves the previous registry intact when the rewrite fails", func() {
			reg := openRegistry()
			Expect(reg.Append(registry.NewSavedState(1.0, nil, nil, nil))).To(Succeed())
			before, err := os.ReadFile(reg.FilePath())
			Expect(err).NotTo(HaveOccurred())

			// A directory squatting on the temp path makes the rewrite fail
			// before the rename.
			Expect(os.Mkdir(reg.FilePath()+".tmp", 0755)).To(Succeed())
			DeferCleanup(func() { os.Remove(reg.FilePath() + ".tmp") })

			err = reg.Append(registry.NewSavedState(2.0, nil, nil, nil))
			Expect(err).To(MatchError(registry.ErrWrite))
			Expect(reg.Len()).To(Equal(1))

			after, readErr := os.ReadFile(reg.FilePath())
			Expect(readErr).NotTo(HaveOccurred())
			Expect(string(after)).To(Equal(string(before)))
			Expect(strings.Contains(string(after), `"time": 1`)).To(BeTrue())
		})

		It("does not leave temp files behind after a successful write", func() {
			reg := openRegistry()
			Expect(reg.Append(registry.NewSavedState(0, nil, nil, nil))).To(Succeed())

			entries, err := os.ReadDir(filepath.Dir(reg.FilePath()))
			Expect(err).NotTo(HaveOccurred())
			for _, e := range entries {
				Expect(e.Name()).NotTo(HaveSuffix(".tmp"))
			}
		})
	})
})
