package store

import (
	"context"
	"time"

	v1 "github.com/edgefleet/edgefleet/api/v1"
	"github.com/edgefleet/edgefleet/internal/store/model"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
)

var _ = Describe("VariablePresetRepository", func() {
	var (
		log    *logrus.Logger
		ctx    context.Context
		st     Store
		dbName string
	)

	BeforeEach(func() {
		ctx = context.Background()
		log = logrus.New()
		log.SetLevel(logrus.WarnLevel)
		st, dbName, _ = PrepareDBForUnitTests(log)
	})

	AfterEach(func() {
		DeleteTestDB(log, st, dbName)
	})

	It("seeds a DEFAULT preset on store open, queryable by title", func() {
		preset, err := st.VariablePreset().GetByTitle(ctx, model.DefaultVariablePresetTitle)
		Expect(err).NotTo(HaveOccurred())
		Expect(preset.Title).To(Equal(model.DefaultVariablePresetTitle))
		Expect(map[string]string(preset.Variables)).To(BeEmpty())
	})

	It("EnsureDefault is a no-op once a DEFAULT row already exists", func() {
		Expect(st.VariablePreset().EnsureDefault(ctx, map[string]string{"should_not_apply": "1"})).To(Succeed())

		preset, err := st.VariablePreset().GetByTitle(ctx, model.DefaultVariablePresetTitle)
		Expect(err).NotTo(HaveOccurred())
		Expect(map[string]string(preset.Variables)).To(BeEmpty())
	})

	It("returns ErrNotFound for a title that was never seeded", func() {
		_, err := st.VariablePreset().GetByTitle(ctx, "NOT-A-REAL-PRESET")
		Expect(err).To(MatchError(ErrNotFound))
	})

	It("seeds a freshly registered device's variables from the DEFAULT preset", func() {
		Expect(st.VariablePreset().EnsureDefault(ctx, map[string]string{})).To(Succeed())

		device, created, err := st.Device().GetOrCreateBySerial(ctx, "SN-PRESET-1", "aa:bb:cc:dd:ee:ff")
		Expect(err).NotTo(HaveOccurred())
		Expect(created).To(BeTrue())

		preset, err := st.VariablePreset().GetByTitle(ctx, model.DefaultVariablePresetTitle)
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Device().UpdateVariables(ctx, device.ID, preset.Variables)).To(Succeed())

		reloaded, err := st.Device().GetByID(ctx, device.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(map[string]string(reloaded.Variables)).To(BeEmpty())
	})
})

var _ = Describe("DeviceRepository system info and network profile", func() {
	var (
		log    *logrus.Logger
		ctx    context.Context
		st     Store
		dbName string
	)

	BeforeEach(func() {
		ctx = context.Background()
		log = logrus.New()
		log.SetLevel(logrus.WarnLevel)
		st, dbName, _ = PrepareDBForUnitTests(log)
	})

	AfterEach(func() {
		DeleteTestDB(log, st, dbName)
	})

	It("persists a device-reported UpdateSystemInfo payload", func() {
		device, _, err := st.Device().GetOrCreateBySerial(ctx, "SN-SYSINFO-1", "11:22:33:44:55:66")
		Expect(err).NotTo(HaveOccurred())

		info := v1.SystemInfo{
			OSVersion:     "12.3",
			KernelRelease: "6.1.0-edgefleet",
			Architecture:  "arm64",
			Uptime:        45 * time.Minute,
			Extra:         map[string]string{"board": "rpi4"},
		}
		Expect(st.Device().UpdateSystemInfo(ctx, device.ID, info)).To(Succeed())

		reloaded, err := st.Device().GetByID(ctx, device.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(reloaded.SystemInfo).NotTo(BeNil())
		Expect(*reloaded.SystemInfo).To(Equal(info))
	})

	It("has no network profile for a newly created device", func() {
		device, _, err := st.Device().GetOrCreateBySerial(ctx, "SN-NETPROFILE-1", "22:33:44:55:66:77")
		Expect(err).NotTo(HaveOccurred())
		Expect(device.NetworkProfile).To(BeNil())
	})
})
