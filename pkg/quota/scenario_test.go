package quota_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"git.srvlab.io/whiskey/goquota/pkg/quota"
)

var _ = Describe("Quota lifecycle on /dev/sda1", func() {
	const device = "/dev/sda1"

	var (
		ctx    context.Context
		kernel *quota.FakeKernel
		client *quota.Client
		user   quota.Identity
		limits quota.Limits
	)

	BeforeEach(func() {
		ctx = context.Background()
		kernel = quota.NewFakeKernel()
		kernel.EnableQuota(device, quota.KindUser, quota.FormatVFSV0)
		client = quota.NewClient(quota.WithKernel(kernel), quota.WithCallTimeout(5*time.Second))

		var err error
		user, err = quota.NewIdentity(quota.KindUser, 1000)
		Expect(err).NotTo(HaveOccurred())

		limits = quota.Limits{
			BlockSoftLimit: 1000,
			BlockHardLimit: 1100,
			InodeSoftLimit: 100,
			InodeHardLimit: 110,
		}
	})

	It("reports the active format", func() {
		format, err := client.GetFormat(ctx, device, quota.KindUser)
		Expect(err).NotTo(HaveOccurred())
		Expect(format).To(Equal(quota.FormatVFSV0))
	})

	It("has no record before the first set", func() {
		_, err := client.GetQuota(ctx, device, user, quota.FormatVFSV0)
		Expect(err).To(MatchError(quota.ErrNotFound))
	})

	It("returns the limits that were set", func() {
		By("setting limits for user 1000")
		Expect(client.SetQuota(ctx, device, user, quota.FormatVFSV0, limits)).To(Succeed())

		By("reading them back")
		got, err := client.GetQuota(ctx, device, user, quota.FormatVFSV0)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.BlockSoftLimit).To(Equal(uint64(1000)))
		Expect(got.BlockHardLimit).To(Equal(uint64(1100)))
		Expect(got.InodeSoftLimit).To(Equal(uint64(100)))
		Expect(got.InodeHardLimit).To(Equal(uint64(110)))
	})

	It("keeps the limits across a sync and a fresh client", func() {
		Expect(client.SetQuota(ctx, device, user, quota.FormatVFSV0, limits)).To(Succeed())
		Expect(client.Sync(ctx, device, quota.KindUser)).To(Succeed())
		Expect(kernel.SyncCount(device)).To(Equal(1))

		By("starting a new client against the same kernel")
		restarted := quota.NewClient(quota.WithKernel(kernel))
		got, err := restarted.GetQuota(ctx, device, user, quota.FormatVFSV0)
		Expect(err).NotTo(HaveOccurred())
		Expect(*got).To(Equal(limits))
	})

	It("rejects a soft limit above the hard limit", func() {
		limits.BlockSoftLimit = 1200
		err := client.SetQuota(ctx, device, user, quota.FormatVFSV0, limits)
		Expect(err).To(MatchError(quota.ErrInvalidArgument))
	})

	It("refuses a format the filesystem does not use", func() {
		err := client.SetQuota(ctx, device, user, quota.FormatVFSV1, limits)
		Expect(err).To(MatchError(quota.ErrNotSupported))
	})

	Context("when quotas are off", func() {
		BeforeEach(func() {
			Expect(client.QuotaOff(ctx, device, quota.KindUser, quota.FormatVFSV0)).To(Succeed())
		})

		It("has no format", func() {
			_, err := client.GetFormat(ctx, device, quota.KindUser)
			Expect(err).To(MatchError(quota.ErrNotSupported))
		})

		It("can be turned back on", func() {
			Expect(client.QuotaOn(ctx, device, quota.KindUser, quota.FormatVFSV0, "/aquota.user")).To(Succeed())
			Expect(client.SetQuota(ctx, device, user, quota.FormatVFSV0, limits)).To(Succeed())
		})
	})
})
